package strategy

import (
	"context"
	"sync"
)

// Sticky remembers the last account used per model and keeps returning it
// as long as it stays available, falling back to round-robin over the
// remaining available accounts otherwise. This mirrors session affinity
// without any cross-process state, matching the spec's single-process
// concurrency model.
type Sticky struct {
	mu          sync.Mutex
	lastByModel map[string]string // model -> account ID
	cursorByModel map[string]int  // model -> round-robin cursor, used only on fallback
}

// NewSticky constructs a fresh sticky strategy.
func NewSticky() *Sticky {
	return &Sticky{
		lastByModel:   make(map[string]string),
		cursorByModel: make(map[string]int),
	}
}

func (s *Sticky) Label() string { return "sticky" }

func (s *Sticky) Select(ctx context.Context, view AccountView, model string) (Selection, error) {
	available := availableAccounts(view, model)
	if len(available) == 0 {
		return Selection{}, ErrNoAvailableAccount
	}

	s.mu.Lock()
	lastID, had := s.lastByModel[model]
	s.mu.Unlock()

	if had {
		for idx, acc := range available {
			if acc.ID.String() == lastID {
				return Selection{Account: acc, Index: idx}, nil
			}
		}
	}

	// Pin unavailable or none yet: fall back to round-robin over the
	// currently available accounts, per §4.2.
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.cursorByModel[model] % len(available)
	s.cursorByModel[model] = (s.cursorByModel[model] + 1) % len(available)
	return Selection{Account: available[idx], Index: idx}, nil
}

func (s *Sticky) NotifySuccess(accountID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastByModel[model] = accountID
}

func (s *Sticky) NotifyFailure(accountID, model string) {}

func (s *Sticky) NotifyRateLimit(accountID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastByModel[model] == accountID {
		delete(s.lastByModel, model)
	}
}
