package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ccrelay/gateway/pkg/models"
	"github.com/ccrelay/gateway/pkg/secure"
	"github.com/go-resty/resty/v2"
)

// OAuthTokenRefresher exchanges a stored OAuth refresh token for a bearer
// token against a single fixed token endpoint. It does not look at the
// source field on models.Account: "manual" accounts go through the same
// refresh_token exchange as "oauth" ones. Account.Credentials arrives
// encrypted at rest, so this is also where it gets decrypted, right before
// use and nowhere else.
type OAuthTokenRefresher struct {
	client       *resty.Client
	box          *secure.Box
	tokenURL     string
	clientID     string
	clientSecret string
}

// NewOAuthTokenRefresher builds a refresher against tokenURL using the
// standard OAuth2 refresh_token grant. box decrypts Account.Credentials
// before it is sent anywhere.
func NewOAuthTokenRefresher(box *secure.Box, tokenURL, clientID, clientSecret string, timeout time.Duration) *OAuthTokenRefresher {
	return &OAuthTokenRefresher{
		client:       resty.New().SetTimeout(timeout),
		box:          box,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// RefreshToken decrypts credentials and posts the result as a
// refresh_token grant to the token endpoint. Every credential is treated
// this way; a bare API key is not recognized or returned unchanged.
func (r *OAuthTokenRefresher) RefreshToken(ctx context.Context, accountID, credentials string) (Credentials, error) {
	if credentials == "" {
		return Credentials{}, fmt.Errorf("upstream: empty credentials for account %s", accountID)
	}

	refreshToken, err := r.box.DecryptString(credentials)
	if err != nil {
		return Credentials{}, fmt.Errorf("upstream: decrypt credentials for account %s: %w", accountID, err)
	}

	var body oauthTokenResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     r.clientID,
			"client_secret": r.clientSecret,
		}).
		SetResult(&body).
		Post(r.tokenURL)
	if err != nil {
		return Credentials{}, fmt.Errorf("upstream: token refresh request: %w", err)
	}
	if resp.IsError() {
		return Credentials{}, fmt.Errorf("upstream: token refresh failed: %s: %s", resp.Status(), resp.String())
	}
	if body.AccessToken == "" {
		return Credentials{}, fmt.Errorf("upstream: token refresh returned no access_token")
	}

	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Credentials{
		Token:     body.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// CloudProjectResolver discovers the Cloud Code project a token is scoped
// to by hitting a project-listing endpoint and taking the first result.
// It is deliberately shallow: full project selection policy (multiple
// eligible projects, org constraints) stays an external collaborator's
// job per the out-of-scope OAuth boundary this package documents.
type CloudProjectResolver struct {
	client      *resty.Client
	discoverURL string
}

// NewCloudProjectResolver builds a resolver against discoverURL, expected
// to return `{"projects":[{"projectId":"..."}]}` for a bearer token.
func NewCloudProjectResolver(discoverURL string, timeout time.Duration) *CloudProjectResolver {
	return &CloudProjectResolver{
		client:      resty.New().SetTimeout(timeout),
		discoverURL: discoverURL,
	}
}

type projectDiscoveryResponse struct {
	Projects []struct {
		ProjectID string `json:"projectId"`
	} `json:"projects"`
}

func (r *CloudProjectResolver) ResolveProject(ctx context.Context, accountID, token string) (string, error) {
	var body projectDiscoveryResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		Get(r.discoverURL)
	if err != nil {
		return "", fmt.Errorf("upstream: project discovery request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("upstream: project discovery failed: %s: %s", resp.Status(), resp.String())
	}
	if len(body.Projects) == 0 {
		return "", fmt.Errorf("upstream: no project associated with account %s", accountID)
	}
	return body.Projects[0].ProjectID, nil
}

// CloudQuotaChecker fetches per-model quota fractions from a Cloud Code
// quota endpoint. The wire shape is assumed to already report a
// remaining-fraction per model, matching quota.models[model].remainingFraction.
type CloudQuotaChecker struct {
	client   *resty.Client
	quotaURL string
}

// NewCloudQuotaChecker builds a checker against quotaURL, expected to
// return `{"models":{"<model>":{"remainingFraction":0.5,"resetTime":"..."}}}`.
func NewCloudQuotaChecker(quotaURL string, timeout time.Duration) *CloudQuotaChecker {
	return &CloudQuotaChecker{
		client:   resty.New().SetTimeout(timeout),
		quotaURL: quotaURL,
	}
}

type quotaCheckResponse struct {
	Models map[string]struct {
		RemainingFraction *float64  `json:"remainingFraction"`
		ResetTime         time.Time `json:"resetTime"`
	} `json:"models"`
}

// quotaFractionDenominator is the synthetic Limit used to represent a
// wire-reported fraction as models.ModelQuota's Used/Limit pair, since the
// upstream quota endpoint reports a fraction directly rather than raw
// counts. Any fixed denominator preserves the fraction exactly; only its
// absolute scale is arbitrary.
const quotaFractionDenominator = 1_000_000

func (c *CloudQuotaChecker) CheckQuota(ctx context.Context, accountID, token string) (map[string]models.ModelQuota, error) {
	var body quotaCheckResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		Get(c.quotaURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: quota check request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("upstream: quota check failed for account %s: %s: %s", accountID, resp.Status(), resp.String())
	}

	out := make(map[string]models.ModelQuota, len(body.Models))
	for model, q := range body.Models {
		mq := models.ModelQuota{ResetTime: q.ResetTime}
		if q.RemainingFraction != nil {
			mq.Limit = quotaFractionDenominator
			mq.Used = quotaFractionDenominator - int64(*q.RemainingFraction*quotaFractionDenominator)
		}
		out[model] = mq
	}
	return out, nil
}

// CloudCodeRequestBuilder assembles the two request shapes the upstream
// generative-content service accepts: streaming calls go to
// v1internal:streamGenerateContent with alt=sse, everything else to
// v1internal:generateContent. Anthropic<->upstream payload translation
// itself is a pass-through here; the real field-by-field mapping is an
// external collaborator's job per the out-of-scope boundary.
type CloudCodeRequestBuilder struct {
	// StreamingModels marks which model IDs must always use the streaming
	// endpoint regardless of the request's own stream flag, matching the
	// source's "thinking-class" carve-out.
	StreamingModels map[string]bool
}

func NewCloudCodeRequestBuilder(streamingModels []string) *CloudCodeRequestBuilder {
	set := make(map[string]bool, len(streamingModels))
	for _, m := range streamingModels {
		set[m] = true
	}
	return &CloudCodeRequestBuilder{StreamingModels: set}
}

func (b *CloudCodeRequestBuilder) Build(ctx context.Context, endpoint Endpoint, model string, body []byte, token, projectID string) (method, url string, headers map[string]string, payload []byte, err error) {
	var wrapped struct {
		ProjectID string          `json:"projectId,omitempty"`
		Request   json.RawMessage `json:"request"`
	}
	wrapped.ProjectID = projectID
	wrapped.Request = json.RawMessage(body)

	payload, err = json.Marshal(wrapped)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("upstream: encode request envelope: %w", err)
	}

	headers = map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}

	var streamFlag struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &streamFlag)

	if streamFlag.Stream || b.StreamingModels[model] {
		return "POST", endpoint.BaseURL + "/v1internal:streamGenerateContent?alt=sse", headers, payload, nil
	}
	return "POST", endpoint.BaseURL + "/v1internal:generateContent", headers, payload, nil
}
