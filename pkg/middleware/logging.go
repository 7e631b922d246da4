// Package middleware holds the gateway's cross-cutting Fiber handlers:
// request IDs, structured logging, panic recovery, CORS, and client API-key
// auth. Grounded on the teacher's pkg/middleware package.
package middleware

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContextKey namespaces values stored in a fiber.Ctx's context.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	APIKeyIDKey  ContextKey = "api_key_id"
)

// RequestID attaches an X-Request-ID to every request, reusing one supplied
// by the caller if present.
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals(string(RequestIDKey), requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// GetRequestID reads the request ID stashed by RequestID.
func GetRequestID(c fiber.Ctx) string {
	requestID, _ := c.Locals(string(RequestIDKey)).(string)
	return requestID
}

// LoggingConfig configures the structured request logger.
type LoggingConfig struct {
	Logger    *zerolog.Logger
	SkipPaths []string
}

// Logging logs one structured event per request, at a level derived from
// the response status.
func Logging(config LoggingConfig) fiber.Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c fiber.Ctx) error {
		if skip[c.Path()] {
			return c.Next()
		}

		start := time.Now()
		requestID := GetRequestID(c)
		apiKeyID, _ := c.Locals(string(APIKeyIDKey)).(string)

		err := c.Next()

		status := c.Response().StatusCode()
		latency := time.Since(start)

		var logFunc func() *zerolog.Event
		switch {
		case status >= 500:
			logFunc = logger.Error
		case status >= 400:
			logFunc = logger.Warn
		default:
			logFunc = logger.Info
		}

		event := logFunc().
			Str("request_id", requestID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", c.IP())

		if apiKeyID != "" {
			event = event.Str("api_key_id", apiKeyID)
		}
		if err != nil {
			event = event.Err(err)
		}

		event.Msg("request completed")
		return err
	}
}
