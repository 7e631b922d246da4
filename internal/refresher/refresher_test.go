package refresher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccrelay/gateway/internal/pool"
	"github.com/ccrelay/gateway/internal/strategy"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/ccrelay/gateway/pkg/cache"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct{}

func (fakeRefresher) RefreshToken(ctx context.Context, accountID, credentials string) (upstream.Credentials, error) {
	return upstream.Credentials{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveProject(ctx context.Context, accountID, token string) (string, error) {
	return "proj", nil
}

type fakeChecker struct {
	calls int32
	fail  map[string]bool
}

func (f *fakeChecker) CheckQuota(ctx context.Context, accountID, token string) (map[string]models.ModelQuota, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail[accountID] {
		return nil, assertErr
	}
	return map[string]models.ModelQuota{"claude-3": {Used: 5, Limit: 100}}, nil
}

var assertErr = &quotaErr{"simulated failure"}

type quotaErr struct{ msg string }

func (e *quotaErr) Error() string { return e.msg }

func newTestSetup(accounts []*models.Account) (*pool.Pool, *fakeChecker) {
	p := pool.New(accounts, strategy.NewRoundRobin(), fakeRefresher{}, fakeResolver{}, cache.NewMemoryTokenCache(10))
	return p, &fakeChecker{}
}

func TestSweepUpdatesQuotaForEveryAccount(t *testing.T) {
	accounts := []*models.Account{
		models.NewAccount("a@example.com", "manual"),
		models.NewAccount("b@example.com", "manual"),
	}
	p, checker := newTestSetup(accounts)
	cfg := Config{Interval: time.Hour, StaggerDelay: time.Millisecond}
	r := New(p, checker, fakeResolver{}, nil, cfg)

	r.sweep(context.Background())

	for _, a := range accounts {
		mq, ok := a.Quota.Models["claude-3"]
		require.True(t, ok)
		assert.Equal(t, int64(5), mq.Used)
	}
	assert.Equal(t, int32(2), checker.calls)
}

func TestSweepSkipsFailingAccountWithoutAbortingOthers(t *testing.T) {
	accounts := []*models.Account{
		models.NewAccount("a@example.com", "manual"),
		models.NewAccount("b@example.com", "manual"),
	}
	p, checker := newTestSetup(accounts)
	checker.fail = map[string]bool{accounts[0].ID.String(): true}
	cfg := Config{Interval: time.Hour, StaggerDelay: time.Millisecond}
	r := New(p, checker, fakeResolver{}, nil, cfg)

	r.sweep(context.Background())

	_, ok := accounts[0].Quota.Models["claude-3"]
	assert.False(t, ok)
	_, ok = accounts[1].Quota.Models["claude-3"]
	assert.True(t, ok)
}

func TestTickSkipsWhenAlreadyRefreshing(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	p, checker := newTestSetup(accounts)
	r := New(p, checker, fakeResolver{}, nil, Config{Interval: time.Hour, StaggerDelay: time.Millisecond})

	r.refreshing.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.tick()
	}()
	wg.Wait()

	assert.Equal(t, int32(0), checker.calls)
}

func TestSweepClearsExpiredLimitsAfterward(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	p, checker := newTestSetup(accounts)
	require.NoError(t, p.MarkRateLimited(accounts[0].ID.String(), "claude-3", "x", time.Now().Add(-time.Minute)))

	r := New(p, checker, fakeResolver{}, nil, Config{Interval: time.Hour, StaggerDelay: time.Millisecond})
	r.sweep(context.Background())

	assert.True(t, accounts[0].IsAvailable("claude-3", time.Now()))
}
