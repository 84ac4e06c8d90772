package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sandboxd/sandboxd/internal/ratelimit"
)

// ErrInvalidToken is returned for a bearer token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the resolved caller: the rate-limit tracking key plus tier.
// Authenticated callers key by user id, anonymous ones by client ip.
type Identity struct {
	OwnerKey string
	Tier     ratelimit.Tier
	UserID   string
}

// IsAdmin reports whether the identity may use the admin surface.
func (id Identity) IsAdmin() bool {
	return id.Tier == ratelimit.TierAdmin
}

// claims is the token payload: subject plus tier.
type claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Authenticator resolves request identities. Identity arrives as an opaque
// signed token plus tier; the secret and accepted admin keys come from
// configuration.
type Authenticator struct {
	secret     []byte
	apiKeys    map[string]struct{}
	trustProxy bool
}

// NewAuthenticator builds an Authenticator. An empty secret disables
// bearer-token auth entirely; clients without an api key are anonymous.
// trustProxy controls whether X-Forwarded-For is believed when keying
// anonymous clients by ip.
func NewAuthenticator(jwtSecret string, apiKeys []string, trustProxy bool) *Authenticator {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Authenticator{secret: []byte(jwtSecret), apiKeys: keys, trustProxy: trustProxy}
}

// Identify resolves the caller of r. Precedence: admin api key, bearer
// token, anonymous by client ip. A present-but-invalid token is an error;
// silent downgrade to anonymous would mask misconfigured clients.
func (a *Authenticator) Identify(r *http.Request) (Identity, error) {
	if key := apiKeyFrom(r); key != "" {
		if _, ok := a.apiKeys[key]; ok {
			return Identity{
				OwnerKey: "admin:" + shortKey(key),
				Tier:     ratelimit.TierAdmin,
			}, nil
		}
		return Identity{}, ErrInvalidToken
	}

	if token := bearerFrom(r); token != "" {
		return a.verifyToken(token)
	}

	return Identity{
		OwnerKey: "ip:" + a.clientIP(r),
		Tier:     ratelimit.TierAnonymous,
	}, nil
}

func (a *Authenticator) verifyToken(raw string) (Identity, error) {
	if len(a.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: token auth is not configured", ErrInvalidToken)
	}

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	tier := ratelimit.ParseTier(c.Tier)
	if tier == ratelimit.TierAdmin {
		// Admin arrives only via api key; a token cannot mint it.
		tier = ratelimit.TierLoggedIn
	}

	return Identity{
		OwnerKey: "user:" + c.Subject,
		Tier:     tier,
		UserID:   c.Subject,
	}, nil
}

// apiKeyFrom reads the admin api key from header or query.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// bearerFrom reads the token from the Authorization header or, for
// websocket upgrades where browsers cannot set headers, the token query
// parameter.
func bearerFrom(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// clientIP resolves the address that keys anonymous callers.
// X-Forwarded-For is client-controlled on a direct connection, so it is
// honored only when the deployment declares a trusted proxy in front;
// otherwise the connection's remote address is authoritative.
func (a *Authenticator) clientIP(r *http.Request) string {
	if a.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// shortKey returns a stable non-secret prefix for keying admin callers.
func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
