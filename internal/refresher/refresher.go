// Package refresher implements the quota refresher: a periodic sweep that
// refreshes each account's per-model quota snapshot and clears expired
// rate-limit cooldowns, grounded on the teacher's
// internal/quota/manager.go periodicReset goroutine.
package refresher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccrelay/gateway/internal/pool"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/ccrelay/gateway/pkg/storage"
	"github.com/rs/zerolog/log"
)

// Config carries the refresher's tunables.
type Config struct {
	Interval     time.Duration
	StaggerDelay time.Duration
}

// DefaultConfig matches the design notes: a 15 minute sweep with 2 second
// pacing between accounts.
func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Minute,
		StaggerDelay: 2 * time.Second,
	}
}

// Persister is the storage seam the refresher writes through when a sweep
// discovers a durable field (subscription/project) has changed. Satisfied
// by *storage.Store; nil-safe so tests and standalone use don't need one.
type Persister interface {
	Save(records []storage.Record) error
}

// Refresher runs the periodic quota sweep.
type Refresher struct {
	pool      *pool.Pool
	checker   upstream.QuotaChecker
	resolver  upstream.ProjectResolver
	persister Persister
	cfg       Config

	refreshing atomic.Bool
	inFlight   sync.WaitGroup
}

// New builds a Refresher. resolver and persister may be nil: without a
// resolver, subscription metadata is left untouched; without a persister,
// a sweep never writes to disk on its own (the account list is still
// saved wherever the CLI's own add/enable/disable/clear-invalid commands
// do it).
func New(p *pool.Pool, checker upstream.QuotaChecker, resolver upstream.ProjectResolver, persister Persister, cfg Config) *Refresher {
	return &Refresher{pool: p, checker: checker, resolver: resolver, persister: persister, cfg: cfg}
}

// Run blocks, ticking every cfg.Interval, until ctx is cancelled. A guard
// flag skips a tick entirely if the previous sweep is still in flight,
// matching the teacher's isRefreshing guard. Cancelling ctx only stops the
// periodic trigger: a sweep already underway runs on its own detached
// context and is allowed to drain to completion, so Run doesn't return
// until that sweep finishes.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.inFlight.Wait()
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick starts a sweep in its own goroutine, tracked by inFlight so Run can
// wait for it to drain on shutdown. The sweep runs against a context
// detached from Run's ctx: stopping the refresher must not abort a sweep
// partway through an account.
func (r *Refresher) tick() {
	if !r.refreshing.CompareAndSwap(false, true) {
		log.Debug().Msg("quota refresh already in progress, skipping tick")
		return
	}
	r.inFlight.Add(1)
	go func() {
		defer r.inFlight.Done()
		defer r.refreshing.Store(false)
		r.sweep(context.Background())
	}()
}

// sweep visits every enabled, non-invalid account once, refreshing its
// quota snapshot and pacing STAGGER_DELAY between accounts so a large pool
// doesn't hammer the upstream quota endpoint all at once. A single
// account's failure is logged and skipped, not treated as aborting the
// whole sweep; a disabled or already-invalid account is skipped without
// even counting as a failure, since there is nothing to check.
func (r *Refresher) sweep(ctx context.Context) {
	all := r.pool.Snapshot()
	accounts := make([]*models.Account, 0, len(all))
	for _, a := range all {
		if a.Enabled && !a.IsInvalid {
			accounts = append(accounts, a)
		}
	}
	log.Info().Int("accounts", len(accounts)).Int("skipped", len(all)-len(accounts)).Msg("starting quota refresh sweep")

	changed := false
	for i, account := range accounts {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didChange, err := r.refreshOne(ctx, account)
		if err != nil {
			log.Warn().
				Str("account_id", account.ID.String()).
				Err(err).
				Msg("quota refresh failed for account, skipping")
		}
		changed = changed || didChange

		if i < len(accounts)-1 {
			select {
			case <-time.After(r.cfg.StaggerDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	r.pool.ClearExpiredLimits()

	if changed && r.persister != nil {
		if err := r.persistAll(); err != nil {
			log.Warn().Err(err).Msg("failed to persist accounts after refresh sweep")
		}
	}

	log.Info().Msg("quota refresh sweep complete")
}

// refreshOne fetches an account's current quota (and, when a resolver is
// configured, its subscription/project) and writes it back through the
// pool's guarded API, never touching account fields directly. It reports
// whether any durable field (subscription) changed, the signal sweep uses
// to decide whether a persist is worthwhile.
func (r *Refresher) refreshOne(ctx context.Context, account *models.Account) (changed bool, err error) {
	token, projectID, err := r.pool.GetCredentials(ctx, account)
	if err != nil {
		return false, err
	}

	quotas, err := r.checker.CheckQuota(ctx, account.ID.String(), token)
	if err != nil {
		return false, err
	}
	if updErr := r.pool.UpdateQuota(account.ID.String(), quotas); updErr != nil {
		return false, updErr
	}

	if r.resolver == nil {
		return false, nil
	}

	resolvedProject, err := r.resolver.ResolveProject(ctx, account.ID.String(), token)
	if err != nil {
		// Project resolution is a liveness probe as much as metadata: a
		// failure here just means the subscription snapshot goes stale,
		// not that the whole refresh should be treated as failed.
		log.Debug().Str("account_id", account.ID.String()).Err(err).Msg("subscription project resolution failed")
		return false, nil
	}
	if resolvedProject == projectID {
		return false, nil
	}

	sub := account.Subscription
	sub.ProjectID = resolvedProject
	sub.DetectedAt = time.Now()
	if updErr := r.pool.UpdateSubscription(account.ID.String(), sub); updErr != nil {
		return false, updErr
	}
	return true, nil
}

func (r *Refresher) persistAll() error {
	accounts := r.pool.Snapshot()
	records := make([]storage.Record, 0, len(accounts))
	for _, a := range accounts {
		records = append(records, storage.FromAccount(a))
	}
	return r.persister.Save(records)
}
