package strategy

import (
	"context"
	"sync"
)

// RoundRobin cycles through available accounts in insertion order,
// remembering only the last served position. Ties (no prior state) start
// at index 0, matching the teacher's selectRoundRobin cursor idiom in
// internal/quota/pool.go.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

// NewRoundRobin constructs a fresh round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Label() string { return "round_robin" }

func (r *RoundRobin) Select(ctx context.Context, view AccountView, model string) (Selection, error) {
	available := availableAccounts(view, model)
	if len(available) == 0 {
		return Selection{}, ErrNoAvailableAccount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.cursor % len(available)
	r.cursor = (r.cursor + 1) % len(available)

	return Selection{Account: available[idx], Index: idx}, nil
}

func (r *RoundRobin) NotifySuccess(accountID, model string)    {}
func (r *RoundRobin) NotifyFailure(accountID, model string)    {}
func (r *RoundRobin) NotifyRateLimit(accountID, model string)  {}
