package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription describes the plan detected for an account's credentials.
type Subscription struct {
	Tier       string    `json:"tier"`
	ProjectID  string    `json:"project_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// ModelQuota tracks remaining budget for one model on one account as a
// Used/Limit pair; a checker that receives only a remaining fraction
// converts it to such a pair. Fraction is derived from them rather than
// stored raw, since the two representations must never drift apart.
type ModelQuota struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	ResetTime time.Time `json:"reset_time,omitempty"`
}

// Remaining reports the unused budget. A zero Limit means unlimited.
func (q ModelQuota) Remaining() int64 {
	if q.Limit == 0 {
		return -1
	}
	r := q.Limit - q.Used
	if r < 0 {
		return 0
	}
	return r
}

// Available reports whether at least one more request can be served.
func (q ModelQuota) Available() bool {
	return q.Limit == 0 || q.Used < q.Limit
}

// Fraction reports the remaining-quota fraction in [0,1] and whether it is
// known at all. An account the refresher has never checked, or one with an
// unlimited (Limit == 0) plan, reports ok=false: the quota-aware strategy
// treats that as "unknown", not as either extreme.
func (q ModelQuota) Fraction() (fraction float64, ok bool) {
	if q.Limit <= 0 {
		return 0, false
	}
	remaining := q.Limit - q.Used
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / float64(q.Limit), true
}

// Quota is the per-account quota snapshot across all models it has served.
type Quota struct {
	Models      map[string]ModelQuota `json:"models"`
	LastChecked time.Time             `json:"last_checked"`
}

// RateLimitState is the per-(account,model) cooldown set by MarkRateLimited.
type RateLimitState struct {
	ResetTime time.Time `json:"reset_time"`
	Reason    string    `json:"reason"`
}

// Expired reports whether the cooldown has elapsed as of now.
func (r RateLimitState) Expired(now time.Time) bool {
	return !now.Before(r.ResetTime)
}

// Health tracks recent outcomes for an account, independent of quota.
type Health struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used"`
	LastSuccessAt       time.Time `json:"last_success_at"`
}

// Account is one upstream credential set the pool can route requests through.
//
// The mutable fields (IsInvalid, ModelRateLimits, Health) are only ever
// touched while the owning Pool's mutex is held. The cached credentials are
// the exception: they are guarded by Account's own mu, so they can be read
// and stored outside the pool lock.
type Account struct {
	ID            uuid.UUID         `json:"id"`
	Email         string            `json:"email"`
	Source        string            `json:"source"`
	Enabled       bool              `json:"enabled"`
	IsInvalid     bool              `json:"is_invalid"`
	InvalidReason string            `json:"invalid_reason,omitempty"`
	Subscription  Subscription      `json:"subscription"`
	Quota         Quota             `json:"quota"`
	ModelRateLimits map[string]RateLimitState `json:"model_rate_limits"`
	Health        Health            `json:"health"`

	// Credentials is the encrypted-at-rest blob produced by pkg/secure; it
	// never appears in logs.
	Credentials string `json:"credentials"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	mu            sync.Mutex
	cachedToken   string
	tokenExpiry   time.Time
	cachedProject string
}

// ParseAccountID parses an account ID string as stored on disk, for
// pkg/storage to rebuild an Account from a persisted record.
func ParseAccountID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// NewAccount builds an Account with its maps initialized.
func NewAccount(email, source string) *Account {
	return &Account{
		ID:              uuid.New(),
		Email:           email,
		Source:          source,
		Enabled:         true,
		Quota:           Quota{Models: make(map[string]ModelQuota)},
		ModelRateLimits: make(map[string]RateLimitState),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
}

// IsAvailable implements the availability invariant from the account pool
// design: enabled, not marked invalid, and not under an unexpired
// per-model rate limit.
func (a *Account) IsAvailable(model string, now time.Time) bool {
	if !a.Enabled || a.IsInvalid {
		return false
	}
	if a.ModelRateLimits == nil {
		return true
	}
	state, limited := a.ModelRateLimits[model]
	if !limited {
		return true
	}
	return state.Expired(now)
}

// MarkInvalid flags the account as permanently unusable.
func (a *Account) MarkInvalid(reason string) {
	a.IsInvalid = true
	a.InvalidReason = reason
	a.UpdatedAt = time.Now()
}

// MarkRateLimited installs a per-model cooldown.
func (a *Account) MarkRateLimited(model, reason string, resetTime time.Time) {
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]RateLimitState)
	}
	a.ModelRateLimits[model] = RateLimitState{ResetTime: resetTime, Reason: reason}
	a.UpdatedAt = time.Now()
}

// ClearExpiredLimits drops cooldowns that have elapsed. Idempotent.
func (a *Account) ClearExpiredLimits(now time.Time) {
	for model, state := range a.ModelRateLimits {
		if state.Expired(now) {
			delete(a.ModelRateLimits, model)
		}
	}
}

// NotifySuccess resets the consecutive failure counter and stamps usage.
func (a *Account) NotifySuccess(now time.Time) {
	a.Health.ConsecutiveFailures = 0
	a.Health.LastUsed = now
	a.Health.LastSuccessAt = now
}

// NotifyFailure increments the consecutive failure counter and stamps usage.
func (a *Account) NotifyFailure(now time.Time) {
	a.Health.ConsecutiveFailures++
	a.Health.LastUsed = now
}

// SetQuota replaces the account's per-model quota snapshot, the write side
// of the refresher's periodic sweep.
func (a *Account) SetQuota(models map[string]ModelQuota, checkedAt time.Time) {
	a.Quota.Models = models
	a.Quota.LastChecked = checkedAt
	a.UpdatedAt = checkedAt
}

// SetSubscription records freshly detected subscription/project metadata.
func (a *Account) SetSubscription(sub Subscription) {
	a.Subscription = sub
	a.UpdatedAt = time.Now()
}

// SetEnabled flips the operator-controlled enable flag.
func (a *Account) SetEnabled(enabled bool) {
	a.Enabled = enabled
	a.UpdatedAt = time.Now()
}

// ClearInvalid lifts a sticky invalidation, the one operator-driven escape
// hatch the design notes call out (§3 Lifecycle: "terminal until a
// successful token refresh clears it").
func (a *Account) ClearInvalid() {
	a.IsInvalid = false
	a.InvalidReason = ""
	a.UpdatedAt = time.Now()
}

// CachedCredentials returns the last refreshed token/project pair, which may
// be stale; callers decide whether to refresh based on expiry.
func (a *Account) CachedCredentials() (token, projectID string, expiry time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cachedToken, a.cachedProject, a.tokenExpiry
}

// SetCachedCredentials stores a freshly refreshed token/project pair.
func (a *Account) SetCachedCredentials(token, projectID string, expiry time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cachedToken = token
	a.cachedProject = projectID
	a.tokenExpiry = expiry
}
