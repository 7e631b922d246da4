// Package pool implements the account pool: the set of upstream
// credentials the gateway load-balances across, the single source of
// truth for account availability, quota, and rate-limit state.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ccrelay/gateway/internal/strategy"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/ccrelay/gateway/pkg/cache"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrAccountNotFound is returned when an operation names an account ID the
// pool does not hold.
var ErrAccountNotFound = errors.New("pool: account not found")

// Pool holds the accounts and the single mutex guarding both the account
// slice and the active strategy's auxiliary state, per the concurrency
// model: selection is a compound read-then-mutate operation and must not
// interleave with a concurrent MarkInvalid/MarkRateLimited.
type Pool struct {
	mu       sync.Mutex
	accounts []*models.Account
	byID     map[string]*models.Account

	strategy strategy.Strategy

	tokenRefresher  upstream.TokenRefresher
	projectResolver upstream.ProjectResolver
	credCache       cache.TokenCache

	nowFn func() time.Time
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithClock overrides the pool's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.nowFn = now }
}

// New builds a pool over the given accounts, preserving their order as the
// tie-break order every strategy falls back to.
func New(accounts []*models.Account, strat strategy.Strategy, refresher upstream.TokenRefresher, resolver upstream.ProjectResolver, credCache cache.TokenCache, opts ...Option) *Pool {
	p := &Pool{
		accounts:        append([]*models.Account(nil), accounts...),
		byID:            make(map[string]*models.Account, len(accounts)),
		strategy:        strat,
		tokenRefresher:  refresher,
		projectResolver: resolver,
		credCache:       credCache,
		nowFn:           time.Now,
	}
	for _, a := range accounts {
		p.byID[a.ID.String()] = a
	}
	return p
}

// Accounts implements strategy.AccountView. Callers must only invoke this
// while the pool's own Select path holds the lock; it is not meant to be
// called standalone from outside this package.
func (p *Pool) Accounts() []*models.Account { return p.accounts }

// Now implements strategy.AccountView.
func (p *Pool) Now() time.Time { return p.nowFn() }

// Select runs the active strategy under the pool's lock, satisfying the
// "selection is a compound operation" invariant: the account slice and the
// strategy's own state (round-robin cursor, sticky map, ...) move together.
func (p *Pool) Select(ctx context.Context, model string) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	for _, a := range p.accounts {
		a.ClearExpiredLimits(now)
	}

	sel, err := p.strategy.Select(ctx, p, model)
	if err != nil {
		return nil, err
	}
	return sel.Account, nil
}

// MarkInvalid permanently disables an account, e.g. after a 401 the
// executor classifies as a permanent auth failure.
func (p *Pool) MarkInvalid(accountID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.MarkInvalid(reason)
	log.Warn().Str("account_id", accountID).Str("reason", reason).Msg("account marked invalid")
	return nil
}

// MarkRateLimited installs a per-(account,model) cooldown and lets the
// strategy react (sticky drops its pin, others no-op).
func (p *Pool) MarkRateLimited(accountID, model, reason string, resetTime time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.MarkRateLimited(model, reason, resetTime)
	p.strategy.NotifyRateLimit(accountID, model)
	log.Warn().
		Str("account_id", accountID).
		Str("model", model).
		Str("reason", reason).
		Time("reset_at", resetTime).
		Msg("account rate limited")
	return nil
}

// NotifySuccess records a successful attempt against an account/model.
func (p *Pool) NotifySuccess(accountID, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.NotifySuccess(p.nowFn())
	p.strategy.NotifySuccess(accountID, model)
	return nil
}

// NotifyFailure records a failed attempt against an account/model.
func (p *Pool) NotifyFailure(accountID, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.NotifyFailure(p.nowFn())
	p.strategy.NotifyFailure(accountID, model)
	return nil
}

// ClearExpiredLimits sweeps every account and drops cooldowns that have
// elapsed. Called by the quota refresher each tick; safe to call more
// often since Account.ClearExpiredLimits is idempotent.
func (p *Pool) ClearExpiredLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	for _, a := range p.accounts {
		a.ClearExpiredLimits(now)
	}
}

// GetAllAccounts returns every account regardless of availability, for
// status/admin listings. Alias of Snapshot kept under the design's own
// name.
func (p *Pool) GetAllAccounts() []*models.Account { return p.Snapshot() }

// GetAccountCount reports the pool's size.
func (p *Pool) GetAccountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// GetAvailableAccounts applies the §3 availability invariant directly,
// independent of any strategy's own filtering, for callers (the executor's
// outer loop, admin status) that need the raw set rather than one pick.
func (p *Pool) GetAvailableAccounts(model string) []*models.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	out := make([]*models.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if a.IsAvailable(model, now) {
			out = append(out, a)
		}
	}
	return out
}

// IsAllRateLimited reports whether every enabled, non-invalid account is
// currently rate-limited for model (as opposed to simply absent or
// disabled). The executor uses this to distinguish "wait it out" from
// "no accounts configured at all".
func (p *Pool) IsAllRateLimited(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()

	candidates := 0
	limited := 0
	for _, a := range p.accounts {
		if !a.Enabled || a.IsInvalid {
			continue
		}
		candidates++
		if state, ok := a.ModelRateLimits[model]; ok && !state.Expired(now) {
			limited++
		}
	}
	return candidates > 0 && candidates == limited
}

// GetMinWaitTimeMs returns the shortest remaining cooldown among enabled,
// non-invalid, currently-rate-limited accounts for model. Zero whenever at
// least one account is immediately available, per §8's stated invariant.
func (p *Pool) GetMinWaitTimeMs(model string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()

	var min time.Duration = -1
	for _, a := range p.accounts {
		if !a.Enabled || a.IsInvalid {
			continue
		}
		state, limited := a.ModelRateLimits[model]
		if !limited || state.Expired(now) {
			return 0
		}
		wait := state.ResetTime.Sub(now)
		if min == -1 || wait < min {
			min = wait
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// ResetAllRateLimits performs the "optimistic reset" §4.1 calls for: when
// the pool looks fully exhausted, drop every per-model rate-limit entry so
// the very next selection re-checks reality instead of trusting state that
// may already be stale (a account whose reset time just passed). It never
// touches IsInvalid — that flag is sticky by design.
func (p *Pool) ResetAllRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		a.ModelRateLimits = make(map[string]models.RateLimitState)
	}
	log.Info().Msg("optimistic reset: cleared all rate-limit state pool-wide")
}

// NotifyRateLimit tells the active strategy an account was just rate
// limited, independent of MarkRateLimited's state mutation: the executor
// calls this at attempt scope after an already-classified rate-limit error
// bubbles out of the endpoint loop, per §4.3's attempt-scope reclassification
// table.
func (p *Pool) NotifyRateLimit(accountID, model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy.NotifyRateLimit(accountID, model)
}

// ClearTokenCache invalidates a cached bearer token, forcing the next
// GetCredentials call to refresh. Used after a transient-auth 401.
func (p *Pool) ClearTokenCache(accountID string) {
	p.mu.Lock()
	a, ok := p.byID[accountID]
	p.mu.Unlock()
	if !ok {
		return
	}
	a.SetCachedCredentials("", "", time.Time{})
	p.credCache.Set(context.Background(), accountID, cache.TokenEntry{})
}

// ClearProjectCache invalidates a cached project ID. The token and project
// cache are the same backing store (they are refreshed together), so this
// is currently an alias of ClearTokenCache kept as its own named operation
// per §4.1's contract, in case a future collaborator resolves them
// independently.
func (p *Pool) ClearProjectCache(accountID string) {
	p.ClearTokenCache(accountID)
}

// UpdateQuota installs a freshly-checked per-model quota snapshot, the
// write side of the refresher's periodic sweep. Routed through the pool so
// the refresher never touches account fields directly, per §3's lifecycle
// invariant.
func (p *Pool) UpdateQuota(accountID string, quotas map[string]models.ModelQuota) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.SetQuota(quotas, p.nowFn())
	return nil
}

// UpdateSubscription installs freshly detected subscription/project
// metadata, the other half of the refresher's per-account sweep.
func (p *Pool) UpdateSubscription(accountID string, sub models.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.SetSubscription(sub)
	return nil
}

// SetEnabled flips the operator-controlled enable flag, for the admin
// HTTP enable/disable handlers (the CLI edits the store directly).
func (p *Pool) SetEnabled(accountID string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.SetEnabled(enabled)
	return nil
}

// ClearInvalid lifts a sticky invalidation, the operator-intervention path
// §3's lifecycle section calls out as the only way to undo MarkInvalid.
func (p *Pool) ClearInvalid(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.ClearInvalid()
	log.Info().Str("account_id", accountID).Msg("account invalidation cleared by operator")
	return nil
}

// AccountByID returns the account for an ID, mainly for admin endpoints.
func (p *Pool) AccountByID(accountID string) (*models.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[accountID]
	return a, ok
}

// Snapshot returns a shallow copy of the account slice for read-only
// consumers (admin API, telemetry) that must not race the pool's mutation
// methods.
func (p *Pool) Snapshot() []*models.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// AvailableCount reports how many accounts can currently serve model, for
// telemetry gauges.
func (p *Pool) AvailableCount(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	n := 0
	for _, a := range p.accounts {
		if a.IsAvailable(model, now) {
			n++
		}
	}
	return n
}

// GetCredentials returns a usable bearer token and project ID for an
// account, refreshing if the cached token is missing or near expiry. The
// refresh call itself runs outside the pool lock; only the final store
// back into the account's own cache is synchronized, via Account's
// internal mutex rather than the pool's.
func (p *Pool) GetCredentials(ctx context.Context, a *models.Account) (token, projectID string, err error) {
	const refreshSkew = 60 * time.Second

	token, projectID, expiry := a.CachedCredentials()
	if token != "" && p.nowFn().Add(refreshSkew).Before(expiry) {
		return token, projectID, nil
	}

	if cached, ok := p.credCache.Get(ctx, a.ID.String()); ok {
		a.SetCachedCredentials(cached.Token, cached.ProjectID, cached.ExpiresAt)
		if p.nowFn().Add(refreshSkew).Before(cached.ExpiresAt) {
			return cached.Token, cached.ProjectID, nil
		}
	}

	creds, err := p.tokenRefresher.RefreshToken(ctx, a.ID.String(), a.Credentials)
	if err != nil {
		return "", "", err
	}

	resolvedProject := projectID
	if p.projectResolver != nil {
		resolvedProject, err = p.projectResolver.ResolveProject(ctx, a.ID.String(), creds.Token)
		if err != nil {
			log.Warn().Str("account_id", a.ID.String()).Err(err).Msg("project resolution failed, continuing without it")
			resolvedProject = projectID
		}
	}

	a.SetCachedCredentials(creds.Token, resolvedProject, creds.ExpiresAt)
	p.credCache.Set(ctx, a.ID.String(), cache.TokenEntry{
		Token:     creds.Token,
		ProjectID: resolvedProject,
		ExpiresAt: creds.ExpiresAt,
	})

	return creds.Token, resolvedProject, nil
}
