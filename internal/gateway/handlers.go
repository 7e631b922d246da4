package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ccrelay/gateway/internal/pool"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/gofiber/fiber/v3"
)

// incomingMessage is the thin envelope this layer needs out of an
// Anthropic-compatible request body; everything else passes through
// untouched to internal/executor and, eventually, the request builder.
type incomingMessage struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (g *Gateway) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// handleMessages is the Anthropic-compatible `/v1/messages` entry point:
// parse just enough of the body to know the model and streaming mode,
// hand the raw body to the executor, and re-frame whatever event sequence
// comes back.
func (g *Gateway) handleMessages(c fiber.Ctx) error {
	body := c.Body()

	var msg incomingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if msg.Model == "" {
		return fiber.NewError(fiber.StatusBadRequest, "model is required")
	}

	// ctx is cancelled the moment this request is done with the executor's
	// event channel, whether that's a normal drain, an early return below,
	// or (for a streaming response) the peer disconnecting mid-stream. That
	// lets executor.replay's send loop unblock instead of leaking a
	// goroutine parked on a write nobody will ever read.
	ctx, cancel := context.WithCancel(c.Context())

	// Real attempts/fallback-depth/outcome telemetry is recorded inside the
	// executor itself, which is the only layer that knows how many accounts
	// and fallback models a request actually consumed.
	events, err := g.executor.Execute(ctx, msg.Model, body)
	if err != nil {
		cancel()
		return translateExecutorError(err)
	}

	if msg.Stream {
		return streamSSE(c, events, cancel)
	}
	defer cancel()
	return bufferJSON(c, events)
}

// streamSSE re-frames the executor's decoded events as
// `text/event-stream`, flushing after every event so a client streaming
// the response sees tokens as they arrive rather than buffered at the end.
// cancel is called once the stream ends, by any path (drained, write error
// from a peer close, or fasthttp tearing the connection down), so the
// executor's replay goroutine is never left blocked on a send.
func streamSSE(c fiber.Ctx, events <-chan upstream.Event, cancel context.CancelFunc) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			if ev.Type != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Type)
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

// bufferJSON drains the event sequence and wraps it as a single JSON
// document for non-streaming callers. The exact Anthropic message shape
// stays an external collaborator's job; this is the thin, honest
// pass-through the design calls for.
func bufferJSON(c fiber.Ctx, events <-chan upstream.Event) error {
	type rawEvent struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	out := make([]rawEvent, 0, 8)
	for ev := range events {
		data := ev.Data
		if len(data) == 0 || !json.Valid(data) {
			data = []byte("null")
		}
		out = append(out, rawEvent{Type: ev.Type, Data: data})
	}
	return c.JSON(fiber.Map{"events": out})
}

func translateExecutorError(err error) error {
	switch {
	case errors.Is(err, pool.ErrAccountNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
}

// accountView is the admin-facing projection of an account: everything
// except the encrypted credentials blob, which never leaves the process.
type accountView struct {
	ID              string                 `json:"id"`
	Email           string                 `json:"email"`
	Source          string                 `json:"source"`
	Enabled         bool                   `json:"enabled"`
	IsInvalid       bool                   `json:"is_invalid"`
	InvalidReason   string                 `json:"invalid_reason,omitempty"`
	Subscription    map[string]interface{} `json:"subscription"`
	ConsecutiveFail int                    `json:"consecutive_failures"`
	LastUsed        time.Time              `json:"last_used"`
}

func (g *Gateway) handleListAccounts(c fiber.Ctx) error {
	accounts := g.pool.GetAllAccounts()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			ID:            a.ID.String(),
			Email:         a.Email,
			Source:        a.Source,
			Enabled:       a.Enabled,
			IsInvalid:     a.IsInvalid,
			InvalidReason: a.InvalidReason,
			Subscription: map[string]interface{}{
				"tier":        a.Subscription.Tier,
				"project_id":  a.Subscription.ProjectID,
				"detected_at": a.Subscription.DetectedAt,
			},
			ConsecutiveFail: a.Health.ConsecutiveFailures,
			LastUsed:        a.Health.LastUsed,
		})
	}
	return c.JSON(fiber.Map{"accounts": views})
}

func (g *Gateway) handleSetEnabled(enabled bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Params("id")
		if err := g.pool.SetEnabled(id, enabled); err != nil {
			if errors.Is(err, pool.ErrAccountNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "account not found")
			}
			return err
		}
		return c.JSON(fiber.Map{"id": id, "enabled": enabled})
	}
}

func (g *Gateway) handleClearInvalid(c fiber.Ctx) error {
	id := c.Params("id")
	if err := g.pool.ClearInvalid(id); err != nil {
		if errors.Is(err, pool.ErrAccountNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "account not found")
		}
		return err
	}
	return c.JSON(fiber.Map{"id": id, "is_invalid": false})
}
