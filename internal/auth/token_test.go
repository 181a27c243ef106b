package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	svc := NewTokenService("secret", 10)

	token, err := svc.Issue(42, "sess-1")
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, "sess-1", claims.SessionID)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	token, err := NewTokenService("other", 10).Issue(42, "")
	require.NoError(t, err)

	_, err = NewTokenService("secret", 10).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpired(t *testing.T) {
	svc := NewTokenService("secret", 1)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := svc.Issue(42, "")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := NewTokenService("secret", 10).Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPeekClaimsSkipsSignature(t *testing.T) {
	token, err := NewTokenService("server-only", 10).Issue(7, "dev-1")
	require.NoError(t, err)

	claims, err := PeekClaims(token)
	require.NoError(t, err)
	assert.Equal(t, 7, claims.UserID)
	assert.Equal(t, "dev-1", claims.SessionID)

	_, err = PeekClaims("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
