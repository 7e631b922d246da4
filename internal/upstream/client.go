package upstream

import (
	"context"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
)

// Response is the minimal shape the executor's classifier needs out of an
// upstream call.
type Response struct {
	StatusCode int
	Header     map[string][]string
	Body       io.ReadCloser
}

// HTTPClient sends a built request upstream. It is a thin resty wrapper;
// resty's own retry middleware stays disabled because internal/executor
// performs the spec's finer-grained classification and backoff itself.
type HTTPClient struct {
	client *resty.Client
}

// NewHTTPClient builds a resty client configured the way
// internal/providers/openai/client.go configures its HTTP client: sane
// timeouts, no built-in retry, a descriptive user agent.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "ccrelay-gateway/1.0")

	return &HTTPClient{client: client}
}

// Do issues the request and returns the raw response for classification;
// the caller owns closing Body.
func (c *HTTPClient) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	req := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetBody(body)

	for k, v := range headers {
		req.SetHeader(k, v)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, err
	}

	raw := resp.RawResponse
	return &Response{
		StatusCode: raw.StatusCode,
		Header:     raw.Header,
		Body:       raw.Body,
	}, nil
}
