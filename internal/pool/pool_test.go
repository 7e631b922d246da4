package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ccrelay/gateway/internal/strategy"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/ccrelay/gateway/pkg/cache"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, accountID, credentials string) (upstream.Credentials, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return upstream.Credentials{Token: "fresh-" + accountID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveProject(ctx context.Context, accountID, token string) (string, error) {
	return "proj-" + accountID, nil
}

func newTestPool(accounts []*models.Account) (*Pool, *fakeRefresher) {
	refresher := &fakeRefresher{}
	p := New(accounts, strategy.NewRoundRobin(), refresher, fakeResolver{}, cache.NewMemoryTokenCache(10))
	return p, refresher
}

func TestPoolSelectSkipsInvalidAccounts(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	a2 := models.NewAccount("a2@example.com", "manual")
	a1.MarkInvalid("bad creds")

	p, _ := newTestPool([]*models.Account{a1, a2})

	sel, err := p.Select(context.Background(), "claude-3")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, sel.ID)
}

func TestPoolMarkRateLimitedBlocksOnlyThatModel(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1})

	require.NoError(t, p.MarkRateLimited(a1.ID.String(), "claude-3-opus", "rate_limited", time.Now().Add(time.Hour)))

	_, err := p.Select(context.Background(), "claude-3-opus")
	assert.ErrorIs(t, err, strategy.ErrNoAvailableAccount)

	sel, err := p.Select(context.Background(), "claude-3-haiku")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, sel.ID)
}

func TestPoolClearExpiredLimitsIsIdempotent(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1})

	require.NoError(t, p.MarkRateLimited(a1.ID.String(), "claude-3", "x", time.Now().Add(-time.Minute)))
	p.ClearExpiredLimits()
	p.ClearExpiredLimits()

	sel, err := p.Select(context.Background(), "claude-3")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, sel.ID)
}

func TestPoolGetCredentialsRefreshesOnceThenCaches(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, refresher := newTestPool([]*models.Account{a1})
	ctx := context.Background()

	token, project, err := p.GetCredentials(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, "fresh-"+a1.ID.String(), token)
	assert.Equal(t, "proj-"+a1.ID.String(), project)
	assert.Equal(t, 1, refresher.calls)

	_, _, err = p.GetCredentials(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls, "second call should use the cached credential")
}

func TestPoolMarkInvalidIsVisibleAcrossGoroutines(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	a2 := models.NewAccount("a2@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1, a2})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.MarkInvalid(a1.ID.String(), "concurrent invalidate")
	}()
	wg.Wait()

	sel, err := p.Select(context.Background(), "claude-3")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, sel.ID)
}

func TestPoolUnknownAccountID(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1})

	err := p.MarkInvalid("00000000-0000-0000-0000-000000000000", "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetMinWaitTimeMsIsZeroWhenAnyAccountAvailable(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	a2 := models.NewAccount("a2@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1, a2})

	require.NoError(t, p.MarkRateLimited(a1.ID.String(), "claude-3", "x", time.Now().Add(time.Hour)))
	assert.Equal(t, time.Duration(0), p.GetMinWaitTimeMs("claude-3"))
	assert.False(t, p.IsAllRateLimited("claude-3"))
}

func TestGetMinWaitTimeMsReturnsShortestWait(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	a2 := models.NewAccount("a2@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1, a2})

	require.NoError(t, p.MarkRateLimited(a1.ID.String(), "claude-3", "x", time.Now().Add(30*time.Second)))
	require.NoError(t, p.MarkRateLimited(a2.ID.String(), "claude-3", "x", time.Now().Add(5*time.Minute)))

	assert.True(t, p.IsAllRateLimited("claude-3"))
	wait := p.GetMinWaitTimeMs("claude-3")
	assert.InDelta(t, 30*time.Second, wait, float64(2*time.Second))
}

func TestResetAllRateLimitsClearsEveryAccount(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1})
	require.NoError(t, p.MarkRateLimited(a1.ID.String(), "claude-3", "x", time.Now().Add(time.Hour)))

	p.ResetAllRateLimits()

	sel, err := p.Select(context.Background(), "claude-3")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, sel.ID)
}

func TestUpdateQuotaRoutesThroughPool(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1})

	require.NoError(t, p.UpdateQuota(a1.ID.String(), map[string]models.ModelQuota{"claude-3": {Used: 1, Limit: 10}}))
	assert.Equal(t, int64(1), a1.Quota.Models["claude-3"].Used)
}

func TestClearInvalidLiftsStickyFlag(t *testing.T) {
	a1 := models.NewAccount("a1@example.com", "manual")
	p, _ := newTestPool([]*models.Account{a1})
	require.NoError(t, p.MarkInvalid(a1.ID.String(), "bad token"))

	_, err := p.Select(context.Background(), "claude-3")
	assert.Error(t, err)

	require.NoError(t, p.ClearInvalid(a1.ID.String()))
	sel, err := p.Select(context.Background(), "claude-3")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, sel.ID)
}
