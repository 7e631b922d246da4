package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountIsAvailable(t *testing.T) {
	now := time.Now()

	t.Run("disabled account is never available", func(t *testing.T) {
		a := NewAccount("a@example.com", "manual")
		a.Enabled = false
		assert.False(t, a.IsAvailable("claude-3", now))
	})

	t.Run("invalid account is never available", func(t *testing.T) {
		a := NewAccount("a@example.com", "manual")
		a.MarkInvalid("refresh token revoked")
		assert.False(t, a.IsAvailable("claude-3", now))
	})

	t.Run("no rate limit entry means available", func(t *testing.T) {
		a := NewAccount("a@example.com", "manual")
		assert.True(t, a.IsAvailable("claude-3", now))
	})

	t.Run("unexpired rate limit blocks only that model", func(t *testing.T) {
		a := NewAccount("a@example.com", "manual")
		a.MarkRateLimited("claude-3-opus", "quota_exceeded", now.Add(time.Hour))
		assert.False(t, a.IsAvailable("claude-3-opus", now))
		assert.True(t, a.IsAvailable("claude-3-haiku", now))
	})

	t.Run("expired rate limit no longer blocks", func(t *testing.T) {
		a := NewAccount("a@example.com", "manual")
		a.MarkRateLimited("claude-3-opus", "quota_exceeded", now.Add(-time.Minute))
		assert.True(t, a.IsAvailable("claude-3-opus", now))
	})
}

func TestAccountClearExpiredLimitsIsIdempotent(t *testing.T) {
	now := time.Now()
	a := NewAccount("a@example.com", "manual")
	a.MarkRateLimited("claude-3-opus", "quota_exceeded", now.Add(-time.Minute))
	a.MarkRateLimited("claude-3-haiku", "quota_exceeded", now.Add(time.Hour))

	a.ClearExpiredLimits(now)
	require.Len(t, a.ModelRateLimits, 1)
	_, stillLimited := a.ModelRateLimits["claude-3-haiku"]
	assert.True(t, stillLimited)

	// Second call changes nothing.
	a.ClearExpiredLimits(now)
	assert.Len(t, a.ModelRateLimits, 1)
}

func TestAccountNotifySuccessResetsFailures(t *testing.T) {
	now := time.Now()
	a := NewAccount("a@example.com", "manual")
	a.NotifyFailure(now)
	a.NotifyFailure(now)
	require.Equal(t, 2, a.Health.ConsecutiveFailures)

	a.NotifySuccess(now)
	assert.Equal(t, 0, a.Health.ConsecutiveFailures)
	assert.Equal(t, now, a.Health.LastSuccessAt)
}

func TestModelQuotaRemaining(t *testing.T) {
	unlimited := ModelQuota{Used: 1000, Limit: 0}
	assert.Equal(t, int64(-1), unlimited.Remaining())
	assert.True(t, unlimited.Available())

	exhausted := ModelQuota{Used: 100, Limit: 100}
	assert.Equal(t, int64(0), exhausted.Remaining())
	assert.False(t, exhausted.Available())

	partial := ModelQuota{Used: 40, Limit: 100}
	assert.Equal(t, int64(60), partial.Remaining())
	assert.True(t, partial.Available())
}

func TestAccountCachedCredentialsRoundTrip(t *testing.T) {
	a := NewAccount("a@example.com", "manual")
	expiry := time.Now().Add(time.Hour)
	a.SetCachedCredentials("tok123", "proj-9", expiry)

	token, project, exp := a.CachedCredentials()
	assert.Equal(t, "tok123", token)
	assert.Equal(t, "proj-9", project)
	assert.Equal(t, expiry, exp)
}
