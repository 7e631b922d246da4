package strategy

import (
	"context"

	"github.com/ccrelay/gateway/pkg/models"
)

// mediumPriorityFraction is the value an account with no quota reading yet
// competes at: neither best (fresh/unlimited) nor worst (known-exhausted),
// per §4.2's "treating null as unknown = medium priority" rule.
const mediumPriorityFraction = 0.5

// QuotaAware prefers the account with the highest remaining-quota fraction
// for the requested model, so heavy usage spreads away from accounts close
// to their limit. When every candidate's fraction is unknown (none has
// been quota-checked yet) it defers entirely to LeastUsed, per §4.2's
// explicit fallback rule; ties are otherwise broken by insertion order.
type QuotaAware struct {
	fallback *LeastUsed
}

// NewQuotaAware constructs a quota-aware strategy.
func NewQuotaAware() *QuotaAware {
	return &QuotaAware{fallback: NewLeastUsed()}
}

func (q *QuotaAware) Label() string { return "quota_aware" }

func (q *QuotaAware) Select(ctx context.Context, view AccountView, model string) (Selection, error) {
	available := availableAccounts(view, model)
	if len(available) == 0 {
		return Selection{}, ErrNoAvailableAccount
	}

	fractions := make([]float64, len(available))
	anyKnown := false
	for i, a := range available {
		if f, ok := fractionFor(a, model); ok {
			fractions[i] = f
			anyKnown = true
		} else {
			fractions[i] = mediumPriorityFraction
		}
	}

	if !anyKnown {
		return q.fallback.Select(ctx, view, model)
	}

	bestIdx := 0
	for i := 1; i < len(available); i++ {
		if fractions[i] > fractions[bestIdx] {
			bestIdx = i
		}
	}

	return Selection{Account: available[bestIdx], Index: bestIdx}, nil
}

func fractionFor(a *models.Account, model string) (float64, bool) {
	mq, ok := a.Quota.Models[model]
	if !ok {
		return 0, false
	}
	return mq.Fraction()
}

func (q *QuotaAware) NotifySuccess(accountID, model string) { q.fallback.NotifySuccess(accountID, model) }
func (q *QuotaAware) NotifyFailure(accountID, model string) { q.fallback.NotifyFailure(accountID, model) }
func (q *QuotaAware) NotifyRateLimit(accountID, model string) {
	q.fallback.NotifyRateLimit(accountID, model)
}
