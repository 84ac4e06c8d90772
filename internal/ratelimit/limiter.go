// Package ratelimit enforces per-identity admission caps: sessions per hour,
// concurrent sessions, commands per minute, and concurrent terminal
// connections, each keyed by tracking identity and scaled by tier.
//
// Windows use reset-at-boundary semantics rather than token buckets: on any
// access, if a full window has elapsed since the window start, the counter is
// zeroed and the window re-anchored to now, and only then is the check
// evaluated. An event arriving exactly at the boundary belongs to the new
// window. Active-id sets are never reset by windows; they shrink only on
// explicit release.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/logger"
)

const (
	// SessionWindow is the rolling-count window for session creation.
	SessionWindow = time.Hour

	// CommandWindow is the rolling-count window for terminal commands.
	CommandWindow = time.Minute

	// sweepInterval is how often stale records are pruned.
	sweepInterval = 10 * time.Minute

	// recordMaxIdle is how long a record with no active ids may sit
	// untouched before the sweep removes it.
	recordMaxIdle = 2 * time.Hour
)

// Decision is the outcome of an admission check. Denials caused by a rolling
// window carry RetryAfter; denials caused by a concurrency cap set Concurrent
// instead (the caller must release capacity, waiting does not help).
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Concurrent bool
}

var allowed = Decision{Allowed: true}

// record tracks all counters for one identity. Guarded by Limiter.mu.
type record struct {
	key  string
	tier Tier

	sessionCount       int
	sessionWindowStart time.Time
	activeSessions     map[string]struct{}

	commandCount       int
	commandWindowStart time.Time

	activeConnections map[string]struct{}

	// Per-key admin overrides for the session window. Zero means the
	// tier table applies.
	sessionWindowOverride time.Duration
	sessionMaxOverride    int

	lastSeen time.Time
}

// Limiter holds all rate-limit records. It is safe for concurrent use and
// runs a background sweep pruning idle records; call Close to stop it.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	limits  map[Tier]Limits

	now func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits substitutes the cap table. Used for the development override.
func WithLimits(limits map[Tier]Limits) Option {
	return func(l *Limiter) { l.limits = limits }
}

// WithClock injects a time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter with the default cap table and starts the sweep
// goroutine. Call Close to stop it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		records: make(map[string]*record),
		limits:  DefaultLimits(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Close stops the background sweep. It blocks until the goroutine exits.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// CheckSessionLimit reports whether key may create another session.
func (l *Limiter) CheckSessionLimit(key string, tier Tier) Decision {
	if tier == TierAdmin {
		return allowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	now := l.now()
	window, maxSessions := l.sessionCaps(rec)
	resetWindow(&rec.sessionCount, &rec.sessionWindowStart, window, now)

	if rec.sessionCount >= maxSessions {
		return Decision{RetryAfter: rec.sessionWindowStart.Add(window).Sub(now)}
	}
	if len(rec.activeSessions) >= l.limitsFor(tier).MaxConcurrentSessions {
		return Decision{Concurrent: true}
	}
	return allowed
}

// RecordSession counts a successfully created session. Call only after a
// successful CheckSessionLimit.
func (l *Limiter) RecordSession(key, sessionID string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	now := l.now()
	window, _ := l.sessionCaps(rec)
	resetWindow(&rec.sessionCount, &rec.sessionWindowStart, window, now)
	rec.sessionCount++
	rec.activeSessions[sessionID] = struct{}{}
	rec.lastSeen = now
}

// RemoveSession releases a session's concurrency slot. The hour counter and
// window are left untouched.
func (l *Limiter) RemoveSession(key, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[key]; ok {
		delete(rec.activeSessions, sessionID)
		rec.lastSeen = l.now()
	}
}

// CheckCommandLimit reports whether key may run another command.
func (l *Limiter) CheckCommandLimit(key string, tier Tier) Decision {
	if tier == TierAdmin {
		return allowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	now := l.now()
	resetWindow(&rec.commandCount, &rec.commandWindowStart, CommandWindow, now)

	if rec.commandCount >= l.limitsFor(tier).CommandsPerMinute {
		return Decision{RetryAfter: rec.commandWindowStart.Add(CommandWindow).Sub(now)}
	}
	return allowed
}

// RecordCommand counts one executed command.
func (l *Limiter) RecordCommand(key string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	now := l.now()
	resetWindow(&rec.commandCount, &rec.commandWindowStart, CommandWindow, now)
	rec.commandCount++
	rec.lastSeen = now
}

// CheckAndRecordCommand admits and counts one command in a single critical
// section. Concurrent connections for the same key cannot both pass the
// check before either records, which the separate Check/Record pair allows.
func (l *Limiter) CheckAndRecordCommand(key string, tier Tier) Decision {
	if tier == TierAdmin {
		return allowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	now := l.now()
	resetWindow(&rec.commandCount, &rec.commandWindowStart, CommandWindow, now)

	if rec.commandCount >= l.limitsFor(tier).CommandsPerMinute {
		return Decision{RetryAfter: rec.commandWindowStart.Add(CommandWindow).Sub(now)}
	}
	rec.commandCount++
	rec.lastSeen = now
	return allowed
}

// CheckConnectionLimit reports whether key may open another terminal
// connection. Connections have no rolling count, only a concurrency cap.
func (l *Limiter) CheckConnectionLimit(key string, tier Tier) Decision {
	if tier == TierAdmin {
		return allowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	if len(rec.activeConnections) >= l.limitsFor(tier).MaxConcurrentConnections {
		return Decision{Concurrent: true}
	}
	return allowed
}

// RegisterConnection tracks an opened terminal connection.
func (l *Limiter) RegisterConnection(key, connID string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getOrCreate(key, tier)
	rec.activeConnections[connID] = struct{}{}
	rec.lastSeen = l.now()
}

// UnregisterConnection releases a terminal connection slot.
func (l *Limiter) UnregisterConnection(key, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[key]; ok {
		delete(rec.activeConnections, connID)
		rec.lastSeen = l.now()
	}
}

// getOrCreate returns the record for key, creating it with fresh windows.
// Caller holds l.mu.
func (l *Limiter) getOrCreate(key string, tier Tier) *record {
	rec, ok := l.records[key]
	if !ok {
		now := l.now()
		rec = &record{
			key:                key,
			tier:               tier,
			sessionWindowStart: now,
			commandWindowStart: now,
			activeSessions:     make(map[string]struct{}),
			activeConnections:  make(map[string]struct{}),
			lastSeen:           now,
		}
		l.records[key] = rec
	}
	// Tier may change between visits (login upgrades an ip-keyed client).
	rec.tier = tier
	return rec
}

// sessionCaps resolves the session window and max for a record, honoring
// admin overrides.
func (l *Limiter) sessionCaps(rec *record) (time.Duration, int) {
	window := SessionWindow
	if rec.sessionWindowOverride > 0 {
		window = rec.sessionWindowOverride
	}
	maxSessions := l.limitsFor(rec.tier).SessionsPerHour
	if rec.sessionMaxOverride > 0 {
		maxSessions = rec.sessionMaxOverride
	}
	return window, maxSessions
}

func (l *Limiter) limitsFor(tier Tier) Limits {
	if lim, ok := l.limits[tier]; ok {
		return lim
	}
	return l.limits[TierAnonymous]
}

// resetWindow applies reset-at-boundary semantics: a full elapsed window
// zeroes the counter and re-anchors the start to now. The >= comparison puts
// an event landing exactly on the boundary into the new window.
func resetWindow(count *int, start *time.Time, window time.Duration, now time.Time) {
	if now.Sub(*start) >= window {
		*count = 0
		*start = now
	}
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops records with no active ids that have been idle past
// recordMaxIdle. Records holding live sessions or connections are never
// dropped, whatever their age.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-recordMaxIdle)
	pruned := 0
	for key, rec := range l.records {
		if len(rec.activeSessions) == 0 && len(rec.activeConnections) == 0 && rec.lastSeen.Before(cutoff) {
			delete(l.records, key)
			pruned++
		}
	}
	if pruned > 0 {
		logger.Debug().Int("pruned", pruned).Msg("rate limiter swept idle records")
	}
}
