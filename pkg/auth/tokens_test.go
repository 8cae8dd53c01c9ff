package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testUser() *User {
	return &User{
		ID:    "user-1",
		Email: "ada@example.com",
		Name:  "Ada",
		Role:  RoleOwner,
	}
}

func TestTokenServiceIssueAndVerify(t *testing.T) {
	ts := NewTokenService(testSecret, 24*time.Hour, 7*24*time.Hour)

	access, refresh, err := ts.Issue(testUser())
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	claims, err := ts.VerifyAccess(access)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, "owner", claims.Role)

	refreshClaims, err := ts.VerifyRefresh(refresh)
	require.NoError(t, err)
	assert.Equal(t, "user-1", refreshClaims.Subject)
}

func TestVerifyRefreshRejectsAccessToken(t *testing.T) {
	ts := NewTokenService(testSecret, 24*time.Hour, 7*24*time.Hour)

	access, _, err := ts.Issue(testUser())
	require.NoError(t, err)

	_, err = ts.VerifyRefresh(access)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	ts := NewTokenService(testSecret, 24*time.Hour, 7*24*time.Hour)

	_, refresh, err := ts.Issue(testUser())
	require.NoError(t, err)

	_, err = ts.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerifyAccessExpired(t *testing.T) {
	ts := NewTokenService(testSecret, time.Hour, 2*time.Hour)
	issuedAt := time.Now().Add(-3 * time.Hour)
	ts.now = func() time.Time { return issuedAt }

	access, refresh, err := ts.Issue(testUser())
	require.NoError(t, err)

	ts.now = time.Now

	_, err = ts.VerifyAccess(access)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = ts.VerifyRefresh(refresh)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestVerifyAccessWrongKey(t *testing.T) {
	ts := NewTokenService(testSecret, time.Hour, 2*time.Hour)
	other := NewTokenService("ffffffffffffffffffffffffffffffff", time.Hour, 2*time.Hour)

	access, _, err := other.Issue(testUser())
	require.NoError(t, err)

	_, err = ts.VerifyAccess(access)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestVerifyAccessGarbage(t *testing.T) {
	ts := NewTokenService(testSecret, time.Hour, 2*time.Hour)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		_, err := ts.VerifyAccess(token)
		assert.Error(t, err, "token %q", token)
	}
}
