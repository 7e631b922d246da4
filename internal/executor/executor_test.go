package executor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
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
	return upstream.Credentials{Token: "tok-" + accountID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveProject(ctx context.Context, accountID, token string) (string, error) {
	return "proj", nil
}

type fakeBuilder struct{}

func (fakeBuilder) Build(ctx context.Context, ep upstream.Endpoint, model string, body []byte, token, projectID string) (string, string, map[string]string, []byte, error) {
	return http.MethodPost, ep.BaseURL + "/v1/messages", map[string]string{"Authorization": "Bearer " + token}, body, nil
}

type scriptedResponse struct {
	status int
	body   string
}

type fakeClient struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
}

func (f *fakeClient) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	return &upstream.Response{
		StatusCode: r.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

func newExecutor(accounts []*models.Account, client httpDoer, cfg Config) *Executor {
	p := pool.New(accounts, strategy.NewRoundRobin(), fakeRefresher{}, fakeResolver{}, cache.NewMemoryTokenCache(10))
	endpoints := upstream.StaticEndpointList{{Name: "primary", BaseURL: "https://api.example.com"}}
	return New(p, endpoints, client, upstream.NewSSEDecoder(), fakeBuilder{}, FallbackChain{}, cfg, nil)
}

const sseBody = "event: content_block_delta\ndata: {\"text\":\"hi\"}\n\n"

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxCapacityRetries = 3
	cfg.CapacityRetryDelay = time.Millisecond
	cfg.CapacityBackoffTiers = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	cfg.QuotaExhaustedBackoffTiers = []time.Duration{time.Millisecond, time.Millisecond}
	cfg.MinBackoff = time.Millisecond
	cfg.ExtendedCooldownDuration = time.Millisecond
	cfg.Fixed5xxDelay = time.Millisecond
	cfg.NetworkRetryDelay = time.Millisecond
	cfg.MaxWaitBeforeError = 50 * time.Millisecond
	cfg.StreamDrainTimeout = 50 * time.Millisecond
	cfg.BackoffByErrorType = map[errorTextClass]time.Duration{
		textRateLimitExceeded:      time.Millisecond,
		textModelCapacityExhausted: time.Millisecond,
		textServerError:            time.Millisecond,
	}
	return cfg
}

func TestExecuteSucceedsOnFirstAttempt(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	client := &fakeClient{responses: []scriptedResponse{{status: 200, body: sseBody}}}
	ex := newExecutor(accounts, client, fastConfig())

	events, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	require.NoError(t, err)

	var got []upstream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "content_block_delta", got[0].Type)
}

func TestExecuteRetriesCapacityThenSucceeds(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	client := &fakeClient{responses: []scriptedResponse{
		{status: 429, body: "capacity exceeded"},
		{status: 200, body: sseBody},
	}}
	ex := newExecutor(accounts, client, fastConfig())

	events, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	require.NoError(t, err)

	count := 0
	for range events {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestExecutePermanentAuthInvalidatesAccountAndTriesNext(t *testing.T) {
	accounts := []*models.Account{
		models.NewAccount("a@example.com", "manual"),
		models.NewAccount("b@example.com", "manual"),
	}
	client := &fakeClient{responses: []scriptedResponse{
		{status: 401, body: "invalid_grant: token revoked"},
		{status: 200, body: sseBody},
	}}
	ex := newExecutor(accounts, client, fastConfig())

	events, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	require.NoError(t, err)
	for range events {
	}

	assert.True(t, accounts[0].IsInvalid)
}

func TestExecuteAllAccountsExhausted(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	client := &fakeClient{responses: []scriptedResponse{{status: 500, body: "boom"}}}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	ex := newExecutor(accounts, client, cfg)

	_, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	assert.ErrorIs(t, err, ErrAllAccountsExhausted)
}

func TestMaxAttemptsFloorsOnAccountCount(t *testing.T) {
	assert.Equal(t, 5, maxAttemptsFor(3, 4))
	assert.Equal(t, 3, maxAttemptsFor(3, 1))
}

func TestResolveChainTerminatesOnCycle(t *testing.T) {
	chain := FallbackChain{"a": "b", "b": "a"}
	order := resolveChain(chain, "a")
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestClassifyResponseCategories(t *testing.T) {
	now := time.Now()
	assert.Equal(t, ClassSuccess, ClassifyResponse(200, http.Header{}, "", now).Class)
	assert.Equal(t, ClassPermanentAuth, ClassifyResponse(401, http.Header{}, "invalid_grant", now).Class)
	assert.Equal(t, ClassTransientAuth, ClassifyResponse(401, http.Header{}, "momentary hiccup", now).Class)
	assert.Equal(t, ClassQuota, ClassifyResponse(429, http.Header{}, "quota_exceeded for today", now).Class)
	assert.Equal(t, ClassCapacity, ClassifyResponse(429, http.Header{}, "too many concurrent requests", now).Class)
	assert.Equal(t, Class5xx, ClassifyResponse(503, http.Header{}, "internal server error", now).Class)
	assert.Equal(t, ClassCapacity, ClassifyResponse(503, http.Header{}, "server is currently overloaded", now).Class)
	assert.Equal(t, Class4xxOther, ClassifyResponse(400, http.Header{}, "bad request", now).Class)
}

func TestExecuteEmitsSyntheticEventsWhenStreamStaysEmpty(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	client := &fakeClient{responses: []scriptedResponse{
		{status: 200, body: ""},
		{status: 200, body: ""},
		{status: 200, body: ""},
	}}
	cfg := fastConfig()
	cfg.MaxEmptyResponseRetries = 2
	ex := newExecutor(accounts, client, cfg)

	events, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	require.NoError(t, err)

	var got []upstream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, "message_start", got[0].Type)
	assert.Equal(t, "message_stop", got[len(got)-1].Type)
}

func TestExecuteCapacityRetriesExhaustedOn429ReclassifiesAsQuota(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	responses := make([]scriptedResponse, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, scriptedResponse{status: 429, body: "capacity exceeded"})
	}
	client := &fakeClient{responses: responses}
	cfg := fastConfig()
	cfg.MaxCapacityRetries = 2
	ex := newExecutor(accounts, client, cfg)

	_, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	require.Error(t, err)

	acct := accounts[0]
	_, limited := acct.ModelRateLimits["claude-3-haiku"]
	assert.True(t, limited, "capacity retries exhausted on a 429 should install a rate limit")
}

func TestExecuteReturnsResourceExhaustedWhenWaitExceedsThreshold(t *testing.T) {
	accounts := []*models.Account{models.NewAccount("a@example.com", "manual")}
	client := &fakeClient{responses: []scriptedResponse{{status: 200, body: sseBody}}}
	cfg := fastConfig()
	cfg.MaxWaitBeforeError = time.Millisecond
	ex := newExecutor(accounts, client, cfg)

	require.NoError(t, ex.pool.MarkRateLimited(accounts[0].ID.String(), "claude-3-haiku", "x", time.Now().Add(time.Hour)))

	_, err := ex.Execute(context.Background(), "claude-3-haiku", []byte(`{}`))
	assert.ErrorIs(t, err, ErrAllAccountsExhausted)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestParseResetTimePrefersRetryAfterHeader(t *testing.T) {
	now := time.Now()
	h := http.Header{}
	h.Set("Retry-After", "30")
	c := ClassifyResponse(429, h, "quota_exceeded", now)
	assert.WithinDuration(t, now.Add(30*time.Second), c.ResetTime, time.Second)
}
