// Package executor implements the request executor: the state machine
// that turns one incoming request into a sequence of attempts across
// accounts and, within an account, across fallback endpoints, classifying
// every response and deciding whether to retry in place, back off, switch
// account, or give up and recurse into a fallback model.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ccrelay/gateway/internal/pool"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// Sentinel errors matching §6's named error shapes. The wrapping HTTP layer
// maps these back to user-visible status codes; the core never speaks HTTP
// directly.
var (
	// ErrAllAccountsExhausted: "Max retries exceeded".
	ErrAllAccountsExhausted = errors.New("executor: max retries exceeded")
	// ErrNoAccountsAvailable: "No accounts available for <model>".
	ErrNoAccountsAvailable = errors.New("executor: no accounts available")
	// ErrResourceExhausted: "RESOURCE_EXHAUSTED: Rate limited on <model>...".
	ErrResourceExhausted = errors.New("executor: RESOURCE_EXHAUSTED")
	// ErrAuthInvalidPermanent: "AUTH_INVALID_PERMANENT: <detail>".
	ErrAuthInvalidPermanent = errors.New("executor: AUTH_INVALID_PERMANENT")
)

// Config carries the tunables §6 names (MAX_RETRIES and friends), loaded
// from pkg/config.
type Config struct {
	MaxRetries              int
	MaxEmptyResponseRetries int
	MaxWaitBeforeError      time.Duration
	MaxConsecutiveFailures  int

	ExtendedCooldownDuration time.Duration

	MaxCapacityRetries   int
	CapacityRetryDelay   time.Duration
	CapacityBackoffTiers []time.Duration

	QuotaExhaustedBackoffTiers []time.Duration
	BackoffByErrorType         map[errorTextClass]time.Duration
	MinBackoff                 time.Duration

	RequestTimeout      time.Duration
	NonStreamingTimeout time.Duration
	StreamDrainTimeout  time.Duration

	// Fixed5xxDelay and NetworkRetryDelay are the spec's literal "sleep
	// 1s" waits; exposed as fields (rather than a hardcoded constant) so
	// tests can shrink them without changing the state machine's shape.
	Fixed5xxDelay     time.Duration
	NetworkRetryDelay time.Duration

	FallbackEnabled bool
}

// DefaultConfig mirrors the numeric defaults §6 gives as examples
// (capacity tiers 1s/5s/15s, quota tiers 60s/5m/15m/30m, 120s wait
// threshold).
func DefaultConfig() Config {
	return Config{
		MaxRetries:               3,
		MaxEmptyResponseRetries:  2,
		MaxWaitBeforeError:       120 * time.Second,
		MaxConsecutiveFailures:   5,
		ExtendedCooldownDuration: 10 * time.Minute,
		MaxCapacityRetries:       3,
		CapacityRetryDelay:       time.Second,
		CapacityBackoffTiers:     []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
		QuotaExhaustedBackoffTiers: []time.Duration{
			60 * time.Second, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
		},
		BackoffByErrorType: map[errorTextClass]time.Duration{
			textRateLimitExceeded:     30 * time.Second,
			textModelCapacityExhausted: 15 * time.Second,
			textServerError:           5 * time.Second,
		},
		MinBackoff:          500 * time.Millisecond,
		RequestTimeout:      60 * time.Second,
		NonStreamingTimeout: 5 * time.Minute,
		StreamDrainTimeout:  5 * time.Second,
		Fixed5xxDelay:       time.Second,
		NetworkRetryDelay:   time.Second,
		FallbackEnabled:     true,
	}
}

// httpDoer is the surface Executor needs from an HTTP client; satisfied by
// *upstream.HTTPClient and, in tests, by a fake.
type httpDoer interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*upstream.Response, error)
}

// MetricsSink receives execution telemetry; satisfied by *telemetry.Metrics.
// A nil sink disables telemetry entirely rather than requiring callers to
// stub it out.
type MetricsSink interface {
	ObserveRequest(model, outcome string, duration time.Duration, attempts, fallbackDepth int)
	ObserveError(model, class string)
	ObserveBackoff(reason string, d time.Duration)
}

// Executor runs the attempt/fallback state machine described above.
type Executor struct {
	pool      *pool.Pool
	endpoints upstream.EndpointList
	client    httpDoer
	decoder   upstream.EventDecoder
	builder   upstream.RequestBuilder
	fallback  FallbackChain
	cfg       Config
	metrics   MetricsSink

	inFlight sync.WaitGroup
}

// New builds an Executor from its collaborators. metrics may be nil.
func New(p *pool.Pool, endpoints upstream.EndpointList, client httpDoer, decoder upstream.EventDecoder, builder upstream.RequestBuilder, fallback FallbackChain, cfg Config, metrics MetricsSink) *Executor {
	return &Executor{
		pool:      p,
		endpoints: endpoints,
		client:    client,
		decoder:   decoder,
		builder:   builder,
		fallback:  fallback,
		cfg:       cfg,
		metrics:   metrics,
	}
}

func (e *Executor) observeRequest(model, outcome string, d time.Duration, attempts, fallbackDepth int) {
	if e.metrics != nil {
		e.metrics.ObserveRequest(model, outcome, d, attempts, fallbackDepth)
	}
}

func (e *Executor) observeError(model string, class ErrorClass) {
	if e.metrics != nil {
		e.metrics.ObserveError(model, class.String())
	}
}

func (e *Executor) observeBackoff(reason string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveBackoff(reason, d)
	}
}

// maxAttemptsFor implements maxAttempts = max(MAX_RETRIES, accountCount+1):
// small pools still get at least one attempt per account, large MAX_RETRIES
// settings still get their configured ceiling.
func maxAttemptsFor(maxRetries, accountCount int) int {
	floor := accountCount + 1
	if floor > maxRetries {
		return floor
	}
	return maxRetries
}

// Execute runs the full state machine for model. When fallback is enabled
// it walks the fallback chain (e.g. lite -> flash -> pro) once every
// account is exhausted for the current model, per §4.3's recursion rule;
// recursion terminates because resolveChain stops at the first repeated
// model. It returns a channel of decoded events; the channel is closed
// when the upstream body is exhausted or ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, model string, body []byte) (<-chan upstream.Event, error) {
	chain := []string{model}
	if e.cfg.FallbackEnabled {
		chain = resolveChain(e.fallback, model)
	}

	start := time.Now()
	var lastErr error
	for i, candidateModel := range chain {
		events, attempts, err := e.executeForModel(ctx, candidateModel, body)
		fallbackDepth := i + 1
		if err == nil {
			e.observeRequest(candidateModel, "success", time.Since(start), attempts, fallbackDepth)
			return events, nil
		}
		e.observeRequest(candidateModel, "error", time.Since(start), attempts, fallbackDepth)
		lastErr = err
		if candidateModel != chain[len(chain)-1] {
			log.Warn().Str("model", candidateModel).Err(err).Msg("model exhausted, trying fallback")
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllAccountsExhausted, lastErr)
}

// executeForModel is the outer state machine from §4.3, one instance per
// model in the fallback chain. It returns the number of account attempts
// consumed alongside its result so Execute can report real attempt counts
// rather than a placeholder.
func (e *Executor) executeForModel(ctx context.Context, model string, body []byte) (<-chan upstream.Event, int, error) {
	accountCount := e.pool.GetAccountCount()
	if accountCount == 0 {
		return nil, 0, fmt.Errorf("%w for %s: no accounts configured", ErrNoAccountsAvailable, model)
	}

	maxAttempts := maxAttemptsFor(e.cfg.MaxRetries, accountCount)
	// loopGuard bounds iterations that don't consume an "attempt" (waits,
	// safety sleeps) so a persistently racy pool can never spin forever.
	const loopGuardMultiplier = 6

	attempt := 0
	loopGuard := 0
	var lastErr error

	for attempt < maxAttempts {
		loopGuard++
		if loopGuard > maxAttempts*loopGuardMultiplier+10 {
			return nil, attempt, fmt.Errorf("%w for %s: retry loop did not converge", ErrAllAccountsExhausted, model)
		}

		e.pool.ClearExpiredLimits()
		available := e.pool.GetAvailableAccounts(model)

		if len(available) == 0 {
			if e.pool.IsAllRateLimited(model) {
				minWait := e.pool.GetMinWaitTimeMs(model)
				if minWait > e.cfg.MaxWaitBeforeError {
					return nil, attempt, fmt.Errorf(
						"%w: Rate limited on %s. Quota will reset after %s. Next available: %s",
						ErrResourceExhausted, model, minWait, time.Now().Add(minWait).Format(time.RFC3339),
					)
				}
				wait := minWait + 500*time.Millisecond
				e.observeBackoff("rate_limit_wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, attempt, ctx.Err()
				}
				continue // §4.3: "attempt--; loop" — this pass doesn't count.
			}
			return nil, attempt, fmt.Errorf("%w for %s", ErrNoAccountsAvailable, model)
		}

		account, err := e.pool.Select(ctx, model)
		if err != nil {
			// Selection raced with a concurrent mutation between the
			// availability check above and the strategy's own pick.
			// Per §4.3's sel.account==nil, waitMs==0 branch: a short
			// safety sleep, no attempt consumed.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
			continue
		}

		attempt++
		events, class, attemptErr := e.attemptAccount(ctx, account, model, body)
		if attemptErr == nil {
			_ = e.pool.NotifySuccess(account.ID.String(), model)
			return events, attempt, nil
		}
		lastErr = attemptErr
		e.observeError(model, class.Class)

		if terminal := e.reclassifyAtAttemptScope(account, model, class, attempt); terminal != nil {
			return nil, attempt, terminal
		}
		if class.Class == ClassNetwork {
			e.observeBackoff("network", e.cfg.NetworkRetryDelay)
			select {
			case <-time.After(e.cfg.NetworkRetryDelay):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}
	}

	return nil, attempt, fmt.Errorf("%w for %s: %w", ErrAllAccountsExhausted, model, lastErr)
}

// reclassifyAtAttemptScope applies §4.3's "errors raised out of the
// endpoint loop are classified again at attempt scope" table. A non-nil
// return means the whole request is terminal; nil means the outer loop
// should keep going (try the next selection).
func (e *Executor) reclassifyAtAttemptScope(account *models.Account, model string, class Classification, attempt int) error {
	accountID := account.ID.String()

	switch class.Class {
	case ClassQuota:
		// attempt is the 1-based overall attempt count; the tier table is
		// 0-based, so the first quota hit must index tiers[0].
		wait := calculateSmartBackoff(class.ErrorText, timeUntil(class.ResetTime), attempt-1, e.cfg)
		e.observeBackoff("quota", wait)
		reset := time.Now().Add(wait)
		if !class.ResetTime.IsZero() {
			reset = class.ResetTime
		}
		_ = e.pool.MarkRateLimited(accountID, model, "quota_exceeded", reset)
		e.pool.NotifyRateLimit(accountID, model)
		return nil

	case ClassPermanentAuth:
		_ = e.pool.MarkInvalid(accountID, firstLine(class.ErrorText, "permanent auth failure"))
		return nil

	case ClassTransientAuth:
		// Already handled (cache cleared, endpoint advanced) inside
		// attemptAccount; if it still didn't recover, just move on.
		return nil

	case ClassCapacity, Class5xx, ClassNetwork:
		_ = e.pool.NotifyFailure(accountID, model)
		if account.Health.ConsecutiveFailures >= e.cfg.MaxConsecutiveFailures {
			_ = e.pool.MarkRateLimited(accountID, model, "consecutive_failures", extendedCooldown(e.cfg, time.Now()))
		}
		return nil

	default: // Class4xxOther and anything unrecognized: terminal, propagate.
		return fmt.Errorf("executor: %s", class.ErrorText)
	}
}

func timeUntil(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

func firstLine(s, fallback string) string {
	if s == "" {
		return fallback
	}
	if idx := bytes.IndexByte([]byte(s), '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// attemptAccount tries every fallback endpoint for one account/model pair
// in order. A 401-transient response clears caches and advances the
// endpoint (not a same-endpoint retry); a permanent-auth or network
// failure stops the endpoint loop immediately; capacity is retried in
// place (inside attemptEndpoint) before falling through here as either a
// switch (503) or a quota mark (429).
func (e *Executor) attemptAccount(ctx context.Context, account *models.Account, model string, body []byte) (<-chan upstream.Event, Classification, error) {
	endpoints := e.endpoints.Endpoints(model)
	if len(endpoints) == 0 {
		return nil, Classification{Class: Class4xxOther, ErrorText: "no endpoints configured"}, errors.New("executor: no endpoints configured")
	}

	token, projectID, err := e.pool.GetCredentials(ctx, account)
	if err != nil {
		return nil, Classification{Class: ClassTransientAuth, ErrorText: err.Error()}, err
	}

	var lastClass Classification
	var lastErr error

	for epIdx := 0; epIdx < len(endpoints); {
		ep := endpoints[epIdx]
		events, class, attemptErr := e.attemptEndpoint(ctx, ep, account, model, body, token, projectID)
		if attemptErr == nil {
			return events, class, nil
		}
		lastClass, lastErr = class, attemptErr

		switch class.Class {
		case ClassTransientAuth:
			e.pool.ClearTokenCache(account.ID.String())
			e.pool.ClearProjectCache(account.ID.String())
			token, projectID, err = e.pool.GetCredentials(ctx, account)
			if err != nil {
				return nil, Classification{Class: ClassTransientAuth, ErrorText: err.Error()}, err
			}
			epIdx++

		case ClassPermanentAuth, ClassNetwork, ClassQuota:
			// Permanent auth: account is dead, stop trying its endpoints.
			// Network: raise immediately for outer notifyFailure handling.
			// Quota: capacity retries already exhausted on a 429; the
			// account itself is now cooling down, no point trying more
			// endpoints under it.
			return nil, lastClass, lastErr

		case ClassCapacity:
			// Capacity retries exhausted on a 503: switch account (the
			// outer loop will just pick someone else), but still worth
			// trying this account's remaining endpoints first per the
			// declared fallback-list order.
			epIdx++

		case Class5xx:
			e.observeBackoff("5xx", e.cfg.Fixed5xxDelay)
			select {
			case <-time.After(e.cfg.Fixed5xxDelay):
			case <-ctx.Done():
				return nil, lastClass, ctx.Err()
			}
			epIdx++

		case Class4xxOther:
			epIdx++

		default:
			epIdx++
		}
	}

	return nil, lastClass, fmt.Errorf("executor: endpoints exhausted: %w", lastErr)
}

// attemptEndpoint issues the HTTP call against one endpoint, retrying in
// place (same endpoint) up to MaxCapacityRetries times on a capacity
// classification with the configured backoff tiers, per §4.3's capacity
// row. When capacity retries are exhausted it reclassifies per the open
// question in §9: a 503 becomes a plain capacity-switch, a 429 becomes a
// quota mark.
func (e *Executor) attemptEndpoint(ctx context.Context, ep upstream.Endpoint, account *models.Account, model string, body []byte, token, projectID string) (<-chan upstream.Event, Classification, error) {
	var lastClass Classification

	for capacityRetry := 0; ; capacityRetry++ {
		events, class, err := e.doOneCall(ctx, ep, account, model, body, token, projectID)
		if err == nil {
			return events, class, nil
		}
		lastClass = class

		if class.Class != ClassCapacity {
			return nil, class, err
		}

		if capacityRetry >= e.cfg.MaxCapacityRetries {
			if class.Status429 {
				return nil, Classification{Class: ClassQuota, ResetTime: class.ResetTime, ErrorText: class.ErrorText}, err
			}
			return nil, Classification{Class: ClassCapacity, ErrorText: class.ErrorText}, err
		}

		tier := e.cfg.CapacityRetryDelay
		if capacityRetry < len(e.cfg.CapacityBackoffTiers) {
			tier = e.cfg.CapacityBackoffTiers[capacityRetry]
		}
		e.observeBackoff("capacity", tier)
		select {
		case <-time.After(tier):
		case <-ctx.Done():
			return nil, lastClass, ctx.Err()
		}
	}
}

// doOneCall issues exactly one HTTP request and, on a successful status
// code, decodes the body as a stream. If the stream yields zero events it
// is refetched up to MaxEmptyResponseRetries times with exponential
// backoff seeded at 500ms; if it is still empty on the last retry, a
// synthetic explanatory event sequence is emitted and treated as success,
// per §4.3's empty-response rule.
func (e *Executor) doOneCall(ctx context.Context, ep upstream.Endpoint, account *models.Account, model string, body []byte, token, projectID string) (<-chan upstream.Event, Classification, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
	}
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	for emptyRetries := 0; ; emptyRetries++ {
		method, url, headers, payload, err := e.builder.Build(reqCtx, ep, model, body, token, projectID)
		if err != nil {
			return nil, Classification{Class: Class4xxOther, ErrorText: err.Error()}, err
		}

		resp, err := e.client.Do(reqCtx, method, url, headers, payload)
		if err != nil {
			return nil, ClassifyNetworkError(err), err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			class := ClassifyResponse(resp.StatusCode, resp.Header, string(excerpt), time.Now())
			return nil, class, fmt.Errorf("upstream status %d: %s", resp.StatusCode, bytes.TrimSpace(excerpt))
		}

		events, count, err := e.drain(reqCtx, resp.Body)
		if err != nil {
			return nil, Classification{Class: Class5xx, ErrorText: err.Error()}, err
		}
		if count > 0 {
			return e.replay(ctx, events), Classification{Class: ClassSuccess}, nil
		}

		if emptyRetries >= e.cfg.MaxEmptyResponseRetries {
			log.Warn().
				Str("account_id", account.ID.String()).
				Str("endpoint", ep.Name).
				Str("model", model).
				Msg("empty response retries exhausted, emitting synthetic failure sequence")
			return e.replay(ctx, syntheticEmptyResponseEvents(model)), Classification{Class: ClassSuccess}, nil
		}

		backoff := 500 * time.Millisecond << uint(emptyRetries)
		log.Warn().
			Str("account_id", account.ID.String()).
			Str("endpoint", ep.Name).
			Int("attempt", emptyRetries+1).
			Dur("backoff", backoff).
			Msg("empty stream, retrying")
		e.observeBackoff("empty_response", backoff)

		select {
		case <-time.After(backoff):
		case <-reqCtx.Done():
			return nil, Classification{Class: ClassNetwork}, reqCtx.Err()
		}
	}
}

// syntheticEmptyResponseEvents builds the fallback message sequence the
// executor itself must emit when every empty-response retry still comes
// back empty: a minimal, self-contained Anthropic-shaped event sequence
// explaining that the model produced no content, so a caller streaming the
// response sees an ordinary (if apologetic) assistant turn rather than a
// silently truncated stream.
func syntheticEmptyResponseEvents(model string) []upstream.Event {
	text := fmt.Sprintf(`{"type":"text","text":"The %s model returned no content after repeated retries. Please try again."}`, model)
	return []upstream.Event{
		{Type: "message_start", Data: []byte(`{"type":"message_start","message":{"role":"assistant"}}`)},
		{Type: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Type: "content_block_delta", Data: []byte(fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":%s}`, text))},
		{Type: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Type: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)},
		{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}
}

// drain fully decodes a streamed body into a slice; the executor needs the
// event count before deciding whether to retry, so it cannot hand the
// channel to the caller until that decision is made.
func (e *Executor) drain(ctx context.Context, body io.ReadCloser) ([]upstream.Event, int, error) {
	defer body.Close()
	var events []upstream.Event
	err := e.decoder.Decode(ctx, body, func(ev upstream.Event) bool {
		events = append(events, ev)
		return true
	})
	return events, len(events), err
}

// replay exposes a pre-decoded event slice as a lazily-drained channel, so
// downstream consumers (the gateway's SSE writer) still use the
// channel+goroutine streaming shape the design calls for, even though the
// executor itself had to fully drain the body to apply the empty-response
// rule above. The Executor's WaitGroup tracks the goroutine so Shutdown can
// wait for in-flight streams to drain.
func (e *Executor) replay(ctx context.Context, events []upstream.Event) <-chan upstream.Event {
	out := make(chan upstream.Event)
	e.inFlight.Add(1)
	go func() {
		defer e.inFlight.Done()
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Shutdown waits for in-flight streams to finish draining, bounded by
// cfg.StreamDrainTimeout (or ctx's own deadline if sooner), per §5's
// graceful-shutdown contract.
func (e *Executor) Shutdown(ctx context.Context) error {
	deadline := e.cfg.StreamDrainTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-drainCtx.Done():
		return fmt.Errorf("executor: shutdown drain timed out: %w", drainCtx.Err())
	}
}
