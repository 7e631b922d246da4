// Package strategy implements the account selection policies the pool
// dispatches to: round-robin, sticky-per-model, least-used and quota-aware.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/ccrelay/gateway/pkg/models"
)

// ErrNoAvailableAccount is returned when no account in the pool can serve
// the requested model right now.
var ErrNoAvailableAccount = errors.New("strategy: no available account")

// AccountView is the read-only surface a strategy needs. Pool implements
// it; strategies never mutate accounts directly, they signal intent via
// NotifySuccess/NotifyFailure/NotifyRateLimit and the pool applies it.
type AccountView interface {
	// Accounts returns the pool's accounts in stable insertion order.
	Accounts() []*models.Account
	// Now returns the time the pool considers current (overridable in tests).
	Now() time.Time
}

// Selection names the account chosen for one request attempt.
type Selection struct {
	Account *models.Account
	Index   int
}

// Strategy picks an account for a model and is told the outcome afterwards.
type Strategy interface {
	Select(ctx context.Context, view AccountView, model string) (Selection, error)
	NotifySuccess(accountID, model string)
	NotifyFailure(accountID, model string)
	NotifyRateLimit(accountID, model string)
	Label() string
}

// New builds the strategy named by cfg, defaulting to round-robin, in the
// manner of the teacher's router.New dispatch on cfg.Routing.Strategy.
func New(name string) Strategy {
	switch name {
	case "sticky":
		return NewSticky()
	case "least_used":
		return NewLeastUsed()
	case "quota_aware":
		return NewQuotaAware()
	case "round_robin", "":
		return NewRoundRobin()
	default:
		return NewRoundRobin()
	}
}

// availableAccounts filters view.Accounts() to those usable for model,
// preserving insertion order.
func availableAccounts(view AccountView, model string) []*models.Account {
	now := view.Now()
	all := view.Accounts()
	out := make([]*models.Account, 0, len(all))
	for _, a := range all {
		if a.IsAvailable(model, now) {
			out = append(out, a)
		}
	}
	return out
}
