package room

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseToken(t *testing.T) {
	now := time.Now()
	rawToken := testToken(t, 7, []string{scopeRoomWrite, scopeRoomRead})

	token, err := parseToken(rawToken, now)
	assert.Equal(t, err, nil)
	assert.Equal(t, token.Actor, 7)
	assert.Equal(t, token.Id, "user-7")
	assert.Equal(t, token.Scopes, []string{scopeRoomWrite, scopeRoomRead})
	assert.Equal(t, token.expired(now), false)
}

func TestParseTokenGarbage(t *testing.T) {
	_, err := parseToken("not a token", time.Now())
	assert.NotEqual(t, err, nil)
}

func TestParseTokenExpired(t *testing.T) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"actor": 1,
		"exp":   now.Add(-time.Minute).Unix(),
	}
	rawToken, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	_, parseErr := parseToken(rawToken, now)
	authErr, ok := parseErr.(*AuthenticationError)
	assert.Equal(t, ok, true)
	assert.NotEqual(t, authErr, nil)
}

func TestTokenExpirySkew(t *testing.T) {
	now := time.Now()

	// a token inside the skew window counts as expired already
	token := &Token{Exp: now.Add(5 * time.Second)}
	assert.Equal(t, token.expired(now), true)

	token = &Token{Exp: now.Add(time.Minute)}
	assert.Equal(t, token.expired(now), false)

	// no exp claim never expires
	token = &Token{}
	assert.Equal(t, token.expired(now), false)
}

func TestIsReadOnlyScopes(t *testing.T) {
	// a write scope always wins
	assert.Equal(t, isReadOnlyScopes([]string{scopeRoomWrite}), false)
	assert.Equal(t, isReadOnlyScopes([]string{scopeRoomRead, scopeRoomPresenceWrite, scopeRoomWrite}), false)

	assert.Equal(t, isReadOnlyScopes([]string{scopeRoomRead, scopeRoomPresenceWrite}), true)

	// partial scope sets are not the read-only profile
	assert.Equal(t, isReadOnlyScopes([]string{scopeRoomRead}), false)
	assert.Equal(t, isReadOnlyScopes([]string{scopeRoomPresenceWrite}), false)
	assert.Equal(t, isReadOnlyScopes(nil), false)
}
