package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "doctor", "exp": exp.Unix()}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-secret"))
	require.NoError(t, err)
	return s
}

func TestFromAuthHeader(t *testing.T) {
	p := FromAuthHeader("Bearer abc123")
	tok, ok := p.Token()
	assert.True(t, ok)
	assert.Equal(t, "abc123", tok)

	_, ok = FromAuthHeader("").Token()
	assert.False(t, ok)

	_, ok = FromAuthHeader("Basic abc123").Token()
	assert.False(t, ok)
}

func TestIsExpired(t *testing.T) {
	assert.True(t, IsExpired(signedToken(t, time.Now().Add(-time.Hour))))
	assert.False(t, IsExpired(signedToken(t, time.Now().Add(time.Hour))))

	// 非 JWT 凭证交给后端判定，视为未过期
	assert.False(t, IsExpired("opaque-session-token"))
}

func TestUsable(t *testing.T) {
	assert.False(t, Usable(Static("")))
	assert.True(t, Usable(Static("opaque")))
	assert.False(t, Usable(Static(signedToken(t, time.Now().Add(-time.Minute)))))
}
