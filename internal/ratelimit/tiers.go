package ratelimit

// Tier is the identity class a request is rated under.
type Tier string

// Known tiers, least to most privileged.
const (
	TierAnonymous Tier = "anonymous"
	TierLoggedIn  Tier = "logged-in"
	TierPremium   Tier = "premium"
	TierAdmin     Tier = "admin"
)

// ParseTier maps a raw string to a known tier, defaulting to anonymous.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierLoggedIn, TierPremium, TierAdmin:
		return Tier(s)
	default:
		return TierAnonymous
	}
}

// Limits is the static cap table for one tier.
type Limits struct {
	SessionsPerHour          int
	MaxConcurrentSessions    int
	CommandsPerMinute        int
	MaxConcurrentConnections int
}

// DefaultLimits returns the production cap table.
func DefaultLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierAnonymous: {
			SessionsPerHour:          10,
			MaxConcurrentSessions:    2,
			CommandsPerMinute:        60,
			MaxConcurrentConnections: 2,
		},
		TierLoggedIn: {
			SessionsPerHour:          30,
			MaxConcurrentSessions:    3,
			CommandsPerMinute:        120,
			MaxConcurrentConnections: 3,
		},
		TierPremium: {
			SessionsPerHour:          100,
			MaxConcurrentSessions:    5,
			CommandsPerMinute:        300,
			MaxConcurrentConnections: 5,
		},
		// Admin is unlimited; the table entry exists only so lookups
		// never miss. Checks short-circuit before reading it.
		TierAdmin: {
			SessionsPerHour:          1 << 30,
			MaxConcurrentSessions:    1 << 30,
			CommandsPerMinute:        1 << 30,
			MaxConcurrentConnections: 1 << 30,
		},
	}
}

// UnlimitedLimits returns the development override table: every tier gets
// caps high enough to never trip in practice.
func UnlimitedLimits() map[Tier]Limits {
	huge := Limits{
		SessionsPerHour:          1_000_000,
		MaxConcurrentSessions:    1_000_000,
		CommandsPerMinute:        1_000_000,
		MaxConcurrentConnections: 1_000_000,
	}
	return map[Tier]Limits{
		TierAnonymous: huge,
		TierLoggedIn:  huge,
		TierPremium:   huge,
		TierAdmin:     huge,
	}
}
