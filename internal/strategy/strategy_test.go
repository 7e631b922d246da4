package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/ccrelay/gateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	accounts []*models.Account
	now      time.Time
}

func (f *fakeView) Accounts() []*models.Account { return f.accounts }
func (f *fakeView) Now() time.Time              { return f.now }

func newAccounts(n int) []*models.Account {
	out := make([]*models.Account, n)
	for i := range out {
		out[i] = models.NewAccount("a"+string(rune('0'+i))+"@example.com", "manual")
	}
	return out
}

func TestRoundRobinVisitsEveryAccountOncePerCycle(t *testing.T) {
	view := &fakeView{accounts: newAccounts(4), now: time.Now()}
	rr := NewRoundRobin()

	seen := make(map[string]int)
	for i := 0; i < 8; i++ {
		sel, err := rr.Select(context.Background(), view, "claude-3")
		require.NoError(t, err)
		seen[sel.Account.ID.String()]++
	}

	require.Len(t, seen, 4)
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}
}

func TestRoundRobinSkipsUnavailableAccounts(t *testing.T) {
	accounts := newAccounts(3)
	accounts[1].Enabled = false
	view := &fakeView{accounts: accounts, now: time.Now()}
	rr := NewRoundRobin()

	for i := 0; i < 4; i++ {
		sel, err := rr.Select(context.Background(), view, "claude-3")
		require.NoError(t, err)
		assert.NotEqual(t, accounts[1].ID, sel.Account.ID)
	}
}

func TestRoundRobinNoAvailableAccounts(t *testing.T) {
	accounts := newAccounts(2)
	for _, a := range accounts {
		a.Enabled = false
	}
	view := &fakeView{accounts: accounts, now: time.Now()}
	rr := NewRoundRobin()

	_, err := rr.Select(context.Background(), view, "claude-3")
	assert.ErrorIs(t, err, ErrNoAvailableAccount)
}

func TestStickyReusesLastAccountUntilItBecomesUnavailable(t *testing.T) {
	accounts := newAccounts(3)
	view := &fakeView{accounts: accounts, now: time.Now()}
	s := NewSticky()

	first, err := s.Select(context.Background(), view, "claude-3")
	require.NoError(t, err)
	s.NotifySuccess(first.Account.ID.String(), "claude-3")

	second, err := s.Select(context.Background(), view, "claude-3")
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, second.Account.ID)

	first.Account.Enabled = false
	third, err := s.Select(context.Background(), view, "claude-3")
	require.NoError(t, err)
	assert.NotEqual(t, first.Account.ID, third.Account.ID)
}

func TestLeastUsedPrefersOldestLastUsed(t *testing.T) {
	accounts := newAccounts(3)
	now := time.Now()
	accounts[0].Health.LastUsed = now.Add(-time.Minute)
	accounts[1].Health.LastUsed = now.Add(-time.Hour)
	accounts[2].Health.LastUsed = now

	view := &fakeView{accounts: accounts, now: now}
	lu := NewLeastUsed()

	sel, err := lu.Select(context.Background(), view, "claude-3")
	require.NoError(t, err)
	assert.Equal(t, accounts[1].ID, sel.Account.ID)
}

func TestQuotaAwarePrefersHighestKnownFractionOverUnknown(t *testing.T) {
	accounts := newAccounts(3)
	accounts[0].Quota.Models["claude-3"] = models.ModelQuota{Used: 90, Limit: 100} // 0.10 remaining
	accounts[1].Quota.Models["claude-3"] = models.ModelQuota{Used: 10, Limit: 100} // 0.90 remaining
	// accounts[2] has no recorded quota for the model: medium priority (0.5),
	// below accounts[1]'s known 0.90 but above accounts[0]'s known 0.10.

	view := &fakeView{accounts: accounts, now: time.Now()}
	qa := NewQuotaAware()

	sel, err := qa.Select(context.Background(), view, "claude-3")
	require.NoError(t, err)
	assert.Equal(t, accounts[1].ID, sel.Account.ID)
}

func TestQuotaAwareFallsBackToLeastUsedWhenAllFractionsUnknown(t *testing.T) {
	accounts := newAccounts(3)
	now := time.Now()
	accounts[0].Health.LastUsed = now.Add(-time.Minute)
	accounts[1].Health.LastUsed = now.Add(-time.Hour) // oldest, should win
	accounts[2].Health.LastUsed = now

	view := &fakeView{accounts: accounts, now: now}
	qa := NewQuotaAware()

	sel, err := qa.Select(context.Background(), view, "claude-3")
	require.NoError(t, err)
	assert.Equal(t, accounts[1].ID, sel.Account.ID)
}

func TestNewDefaultsToRoundRobin(t *testing.T) {
	s := New("")
	assert.Equal(t, "round_robin", s.Label())
	s = New("unknown-strategy")
	assert.Equal(t, "round_robin", s.Label())
}
