package strategy

import (
	"context"
)

// LeastUsed picks the available account with the oldest Health.LastUsed,
// ties broken by insertion order. Grounded on internal/quota/pool.go's
// selectLeastUsed (there ordered by quota_used via the database query;
// here ordered by recency since there is no persisted usage counter).
type LeastUsed struct{}

// NewLeastUsed constructs a least-used strategy. It holds no state: the
// account slice itself carries the data needed to compare candidates.
func NewLeastUsed() *LeastUsed {
	return &LeastUsed{}
}

func (l *LeastUsed) Label() string { return "least_used" }

func (l *LeastUsed) Select(ctx context.Context, view AccountView, model string) (Selection, error) {
	available := availableAccounts(view, model)
	if len(available) == 0 {
		return Selection{}, ErrNoAvailableAccount
	}

	bestIdx := 0
	best := available[0]
	for i := 1; i < len(available); i++ {
		candidate := available[i]
		if candidate.Health.LastUsed.Before(best.Health.LastUsed) {
			best = candidate
			bestIdx = i
		}
	}

	return Selection{Account: best, Index: bestIdx}, nil
}

func (l *LeastUsed) NotifySuccess(accountID, model string)   {}
func (l *LeastUsed) NotifyFailure(accountID, model string)   {}
func (l *LeastUsed) NotifyRateLimit(accountID, model string) {}
