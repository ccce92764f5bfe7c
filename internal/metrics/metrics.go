// ABOUTME: Prometheus collectors for completions, auth fallbacks and HTTP traffic
// ABOUTME: Registered on a private registry; a nil *Metrics records nothing

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Completion modes
const (
	ModeSingle = "single"
	ModeStream = "stream"
)

// Completion outcomes
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus collectors for localbase
type Metrics struct {
	registry *prometheus.Registry

	CompletionsTotal   *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec
	AuthFallbacksTotal prometheus.Counter
	SessionsCreated    prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry. Each call is independent, so
// tests and multiple shims in one process never collide on registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "localbase",
				Name:      "completions_total",
				Help:      "Completion requests by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "localbase",
				Name:      "completion_duration_seconds",
				Help:      "Completion latency against the inference server",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		AuthFallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "localbase",
				Name:      "auth_fallbacks_total",
				Help:      "Requests resolved to the default local user after token verification failed",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "localbase",
				Name:      "sessions_created_total",
				Help:      "Local sessions minted",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "localbase",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "localbase",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCompletion counts one completion and observes its latency
func (m *Metrics) RecordCompletion(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(mode, outcome).Inc()
	m.CompletionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordAuthFallback counts a request that fell back to the default user
func (m *Metrics) RecordAuthFallback() {
	if m == nil {
		return
	}
	m.AuthFallbacksTotal.Inc()
}

// RecordSession counts a minted session
func (m *Metrics) RecordSession() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordHTTP counts one served request
func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
