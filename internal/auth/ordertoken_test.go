package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tokens := NewOrderTokens("secret", time.Hour, fixedClock(now))

	token, expiresAt, err := tokens.Issue(15, 99)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expiresAt)

	claims, err := tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(15), claims.PurchaseID)
	assert.Equal(t, int64(99), claims.UserID)
	assert.NotEmpty(t, claims.ID)
}

func TestParseExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	token, _, err := NewOrderTokens("secret", time.Minute, fixedClock(now)).Issue(1, 1)
	require.NoError(t, err)

	later := NewOrderTokens("secret", time.Minute, fixedClock(now.Add(2*time.Minute)))
	_, err = later.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseWrongSecret(t *testing.T) {
	token, _, err := NewOrderTokens("secret", time.Hour, nil).Issue(1, 1)
	require.NoError(t, err)

	_, err = NewOrderTokens("other", time.Hour, nil).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewOrderTokens("secret", time.Hour, nil).Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
