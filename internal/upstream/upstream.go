// Package upstream defines the seams between the core executor and the
// external collaborators spec.md marks out of scope: OAuth token
// refreshing, project resolution, and the wire format of the upstream
// Cloud Code generative-content API. Only thin, exercisable stand-ins live here;
// the real collaborators are expected to be supplied by the deployment.
package upstream

import (
	"context"
	"time"

	"github.com/ccrelay/gateway/pkg/models"
)

// Credentials is a refreshed bearer token and its expiry; the project is
// resolved separately through ProjectResolver.
type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

// TokenRefresher exchanges an account's stored refresh material for a
// fresh bearer token. Implementations are expected to hit an OAuth token
// endpoint; this package only declares the contract the pool depends on.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, accountID, credentials string) (Credentials, error)
}

// ProjectResolver maps an account to the upstream project/workspace ID its
// token is scoped to, used for subscription-tier detection.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, accountID, token string) (projectID string, err error)
}

// QuotaChecker fetches the current per-model quota usage for an account,
// the collaborator the quota refresher sweeps against on its periodic
// schedule.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, accountID, token string) (map[string]models.ModelQuota, error)
}

// Endpoint is one upstream base URL the executor can fail over to.
type Endpoint struct {
	Name    string
	BaseURL string
}

// EndpointList supplies the ordered fallback chain of upstream endpoints
// for a model, e.g. region mirrors or direct-vs-proxied routes.
type EndpointList interface {
	Endpoints(model string) []Endpoint
}

// StaticEndpointList is the simplest EndpointList: the same ordered slice
// for every model.
type StaticEndpointList []Endpoint

func (s StaticEndpointList) Endpoints(model string) []Endpoint { return []Endpoint(s) }

// Event is one decoded server-sent event from a streaming response.
type Event struct {
	Type string
	Data []byte
}

// RequestBuilder turns a core request value into the bytes/headers sent
// upstream. It is a seam, not a full translator: the actual
// Anthropic<->upstream payload shape remains an external collaborator.
type RequestBuilder interface {
	Build(ctx context.Context, endpoint Endpoint, model string, body []byte, token, projectID string) (method, url string, headers map[string]string, payload []byte, err error)
}
