// Package gateway is the Anthropic-compatible HTTP framing layer: fiber v3
// routes that turn `/v1/messages` into an internal/executor.Execute call
// and adapt its lazy event sequence back to `text/event-stream` (or a
// buffered JSON body for non-streaming requests). Full Anthropic<->upstream
// payload translation stays an external collaborator; this layer only does
// the thin envelope parsing and re-framing the core needs to be runnable
// end-to-end, grounded on the teacher's internal/gateway/gateway.go.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ccrelay/gateway/internal/executor"
	"github.com/ccrelay/gateway/internal/pool"
	"github.com/ccrelay/gateway/internal/telemetry"
	"github.com/ccrelay/gateway/pkg/auth"
	"github.com/ccrelay/gateway/pkg/config"
	"github.com/ccrelay/gateway/pkg/middleware"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// Gateway wires the HTTP framing layer to the account pool and request
// executor.
type Gateway struct {
	config    *config.Config
	app       *fiber.App
	pool      *pool.Pool
	executor  *executor.Executor
	metrics   *telemetry.Metrics
	keyMgr    *auth.APIKeyManager
	models    []string
	stopGauge context.CancelFunc
}

// New builds a Gateway. apiKeys is the operator-configured list of
// plaintext client keys accepted at the door; an empty list disables
// authentication entirely (useful for local development), matching the
// teacher's own dev-mode leniency.
func New(cfg *config.Config, p *pool.Pool, ex *executor.Executor, metrics *telemetry.Metrics, apiKeys []string, models []string) *Gateway {
	app := fiber.New(fiber.Config{
		AppName:      "ccrelay-gateway",
		ServerHeader: "ccrelay-gateway/1.0",
		ErrorHandler: customErrorHandler,
	})

	gw := &Gateway{
		config:   cfg,
		app:      app,
		pool:     p,
		executor: ex,
		metrics:  metrics,
		keyMgr:   auth.NewAPIKeyManager(),
		models:   models,
	}

	gw.setupMiddlewares()
	gw.setupRoutes(apiKeys)

	return gw
}

func customErrorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error":      fiber.Map{"type": "gateway_error", "message": message},
		"request_id": middleware.GetRequestID(c),
	})
}

func (g *Gateway) setupMiddlewares() {
	g.app.Use(middleware.Recovery())
	g.app.Use(middleware.RequestID())
	g.app.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	g.app.Use(middleware.Logging(middleware.LoggingConfig{
		SkipPaths: []string{"/health", "/metrics"},
	}))
}

func (g *Gateway) setupRoutes(apiKeys []string) {
	g.app.Get("/health", g.handleHealth)

	if g.config.Monitoring.Prometheus.Enabled && g.metrics != nil {
		g.app.Get("/metrics", g.metrics.Handler())
	}

	api := g.app.Group("/v1")
	if len(apiKeys) > 0 {
		api.Use(middleware.APIKeyAuth(middleware.AuthConfig{
			Manager: g.keyMgr,
			Lookup:  buildKeyLookup(g.keyMgr, apiKeys),
		}))
	}
	api.Post("/messages", g.handleMessages)

	admin := g.app.Group("/admin")
	if len(apiKeys) > 0 {
		admin.Use(middleware.APIKeyAuth(middleware.AuthConfig{
			Manager: g.keyMgr,
			Lookup:  buildKeyLookup(g.keyMgr, apiKeys),
		}))
	}
	admin.Get("/accounts", g.handleListAccounts)
	admin.Post("/accounts/:id/enable", g.handleSetEnabled(true))
	admin.Post("/accounts/:id/disable", g.handleSetEnabled(false))
	admin.Post("/accounts/:id/clear-invalid", g.handleClearInvalid)
}

// Start begins serving and, when metrics are enabled, the background gauge
// refresh loop.
func (g *Gateway) Start() error {
	if g.metrics != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.stopGauge = cancel
		go g.metrics.RunGaugeRefresh(ctx, 15*time.Second, g.models)
	}

	addr := fmt.Sprintf("%s:%d", g.config.Server.Host, g.config.Server.Port)
	log.Info().Str("addr", addr).Msg("gateway listening")
	return g.app.Listen(addr)
}

// Shutdown drains in-flight streams (via the executor) and then stops the
// HTTP server, bounded by ctx's deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.stopGauge != nil {
		g.stopGauge()
	}
	if err := g.executor.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("executor drain did not complete cleanly")
	}
	if err := g.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	log.Info().Msg("gateway shutdown complete")
	return nil
}
