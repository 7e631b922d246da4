// Package telemetry exposes Prometheus gauges and counters for the pool
// and executor, adapted from the teacher's internal/stats/prometheus.go
// PrometheusExporter: same promauto vector shapes, wired to
// internal/pool and internal/executor instead of a database-backed
// provider table.
package telemetry

import (
	"context"
	"time"

	"github.com/ccrelay/gateway/internal/pool"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds every gateway metric, namespaced "ccrelay" the way the
// teacher's exporter namespaces "goleapai".
type Metrics struct {
	pool *pool.Pool

	accountsTotal      *prometheus.GaugeVec
	accountsAvailable  *prometheus.GaugeVec
	requestsTotal      *prometheus.CounterVec
	requestErrors      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	attemptsPerRequest prometheus.Histogram
	backoffSeconds     *prometheus.CounterVec
	fallbackDepth      prometheus.Histogram

	registry *prometheus.Registry
}

// New builds the metrics registry and registers a pool-driven collector for
// gauges the pool itself is the source of truth for (account counts).
// Models is the fixed set of model names to report per-model availability
// gauges for; an empty slice still registers the vectors, just with no
// initial series.
func New(p *pool.Pool, models []string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		pool:     p,
		registry: registry,

		accountsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccrelay",
			Name:      "accounts_total",
			Help:      "Total accounts in the pool by enabled/invalid state.",
		}, []string{"state"}),

		accountsAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccrelay",
			Name:      "accounts_available",
			Help:      "Accounts currently available to serve a model.",
		}, []string{"model"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccrelay",
			Name:      "requests_total",
			Help:      "Total executor requests by model and outcome.",
		}, []string{"model", "outcome"}),

		requestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccrelay",
			Name:      "request_errors_total",
			Help:      "Total executor errors by model and error class.",
		}, []string{"model", "class"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccrelay",
			Name:      "request_duration_seconds",
			Help:      "End-to-end executor request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),

		attemptsPerRequest: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ccrelay",
			Name:      "attempts_per_request",
			Help:      "Number of account attempts consumed per request.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),

		backoffSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccrelay",
			Name:      "backoff_seconds_total",
			Help:      "Total seconds spent backing off, by reason.",
		}, []string{"reason"}),

		fallbackDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ccrelay",
			Name:      "fallback_chain_depth",
			Help:      "How many models deep a request went in the fallback chain.",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}),
	}

	for _, model := range models {
		m.accountsAvailable.WithLabelValues(model).Set(0)
	}

	return m
}

// ObserveRequest records one completed executor call.
func (m *Metrics) ObserveRequest(model, outcome string, duration time.Duration, attempts, fallbackDepth int) {
	m.requestsTotal.WithLabelValues(model, outcome).Inc()
	m.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
	m.attemptsPerRequest.Observe(float64(attempts))
	m.fallbackDepth.Observe(float64(fallbackDepth))
}

// ObserveError records one classified failure.
func (m *Metrics) ObserveError(model, class string) {
	m.requestErrors.WithLabelValues(model, class).Inc()
}

// ObserveBackoff records seconds spent waiting for a given reason
// ("rate_limit_wait", "quota", "capacity", "5xx", "network",
// "empty_response").
func (m *Metrics) ObserveBackoff(reason string, d time.Duration) {
	m.backoffSeconds.WithLabelValues(reason).Add(d.Seconds())
}

// RefreshPoolGauges recomputes the pool-derived gauges; called on a short
// ticker by the gateway rather than on every request, since these values
// only need to be roughly current for a scrape.
func (m *Metrics) RefreshPoolGauges(models []string) {
	accounts := m.pool.GetAllAccounts()

	enabled, disabled, invalid := 0, 0, 0
	for _, a := range accounts {
		switch {
		case a.IsInvalid:
			invalid++
		case a.Enabled:
			enabled++
		default:
			disabled++
		}
	}
	m.accountsTotal.WithLabelValues("enabled").Set(float64(enabled))
	m.accountsTotal.WithLabelValues("disabled").Set(float64(disabled))
	m.accountsTotal.WithLabelValues("invalid").Set(float64(invalid))

	for _, model := range models {
		m.accountsAvailable.WithLabelValues(model).Set(float64(m.pool.AvailableCount(model)))
	}
}

// RunGaugeRefresh blocks, recomputing the pool gauges every interval until
// ctx is cancelled, in the manner of the teacher's PrometheusExporter's own
// background ticker.
func (m *Metrics) RunGaugeRefresh(ctx context.Context, interval time.Duration, models []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshPoolGauges(models)
		}
	}
}

// Handler renders the registry in Prometheus's text exposition format, a
// hand-rolled equivalent of promhttp.Handler that speaks fiber.Ctx
// directly instead of pulling in a net/http adaptor.
func (m *Metrics) Handler() fiber.Handler {
	return func(c fiber.Ctx) error {
		families, err := m.registry.Gather()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
		}

		c.Set(fiber.HeaderContentType, string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		enc := expfmt.NewEncoder(c.Response().BodyWriter(), expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
		return nil
	}
}
