package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/ratelimit"
)

const authTestSecret = "unit-test-secret"

func newAuth() *Authenticator {
	return NewAuthenticator(authTestSecret, []string{"key-one", "key-two"}, false)
}

func TestIdentifyAnonymousByIP(t *testing.T) {
	a := newAuth()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:55123"

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.7", id.OwnerKey)
	assert.Equal(t, ratelimit.TierAnonymous, id.Tier)
	assert.False(t, id.IsAdmin())
}

func TestIdentifyForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	t.Run("trusted proxy honors first hop", func(t *testing.T) {
		a := NewAuthenticator(authTestSecret, nil, true)
		id, err := a.Identify(r)
		require.NoError(t, err)
		assert.Equal(t, "ip:198.51.100.9", id.OwnerKey)
	})

	// Without a declared proxy the header is attacker-controlled: a direct
	// client rotating it must keep hitting the same per-ip record.
	t.Run("direct connection ignores header", func(t *testing.T) {
		a := newAuth()
		id, err := a.Identify(r)
		require.NoError(t, err)
		assert.Equal(t, "ip:10.0.0.1", id.OwnerKey)

		r2 := httptest.NewRequest("GET", "/", nil)
		r2.RemoteAddr = "10.0.0.1:1234"
		r2.Header.Set("X-Forwarded-For", "203.0.113.200")
		id2, err := a.Identify(r2)
		require.NoError(t, err)
		assert.Equal(t, id.OwnerKey, id2.OwnerKey)
	})
}

func TestIdentifyAPIKey(t *testing.T) {
	a := newAuth()

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "key-two")

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())
	assert.Equal(t, ratelimit.TierAdmin, id.Tier)

	r = httptest.NewRequest("GET", "/?api_key=key-one", nil)
	id, err = a.Identify(r)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "bogus")
	_, err = a.Identify(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentifyBearerToken(t *testing.T) {
	a := newAuth()
	token := signToken(t, authTestSecret, "user-42", "premium")

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, "user:user-42", id.OwnerKey)
	assert.Equal(t, ratelimit.TierPremium, id.Tier)
	assert.Equal(t, "user-42", id.UserID)
}

func TestIdentifyTokenQueryParam(t *testing.T) {
	a := newAuth()
	token := signToken(t, authTestSecret, "user-7", "logged-in")

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, "user:user-7", id.OwnerKey)
	assert.Equal(t, ratelimit.TierLoggedIn, id.Tier)
}

func TestTokenCannotMintAdmin(t *testing.T) {
	a := newAuth()
	token := signToken(t, authTestSecret, "sneaky", "admin")

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.TierLoggedIn, id.Tier)
	assert.False(t, id.IsAdmin())
}

func TestTokenUnknownTierIsAnonymous(t *testing.T) {
	a := newAuth()
	token := signToken(t, authTestSecret, "user-9", "platinum")

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.TierAnonymous, id.Tier)
}

func TestTokenRejection(t *testing.T) {
	a := newAuth()

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "some-other-secret", "user", "premium")
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := a.Identify(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":  "user",
			"tier": "premium",
			"exp":  time.Now().Add(-time.Hour).Unix(),
		})
		signed, err := tok.SignedString([]byte(authTestSecret))
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+signed)
		_, err = a.Identify(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"tier": "premium",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		signed, err := tok.SignedString([]byte(authTestSecret))
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+signed)
		_, err = a.Identify(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("auth not configured", func(t *testing.T) {
		bare := NewAuthenticator("", nil, false)
		token := signToken(t, authTestSecret, "user", "premium")
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := bare.Identify(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
