// Package observability centralizes the gateway's Prometheus metrics and
// OpenTelemetry trace-id helper. The metrics shape — a struct of
// *prometheus.CounterVec/HistogramVec and prometheus.Gauge fields built once at
// startup via promauto, with small typed recording methods — follows the
// teacher's internal/observability/metrics.go, trimmed to the handful of
// signals a request-lifecycle engine actually emits.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	// RequestsTotal counts tool_request outcomes.
	// Labels: tool_name, decision (ALLOW|DENY|ASK, empty when args fail
	// validation), resolution
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency from receipt to
	// terminal resolution, including any time spent waiting on approval.
	// Labels: tool_name, resolution
	RequestDuration *prometheus.HistogramVec

	// DispatchDuration measures HTTP dispatch latency only.
	// Labels: service, tool_name, status (success|error)
	DispatchDuration *prometheus.HistogramVec

	// PendingApprovals is a gauge of currently-open approval requests.
	PendingApprovals prometheus.Gauge

	// RateLimited counts RATE_LIMITED rejections.
	// Labels: reason (requests_per_minute|pending_approvals)
	RateLimited *prometheus.CounterVec

	// ActiveSessions is a gauge of currently-connected agent sessions.
	ActiveSessions prometheus.Gauge

	// ErrorsTotal counts classified GatewayErrors.
	// Labels: kind
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics builds and registers every collector with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_requests_total",
				Help: "Total tool requests by tool name, decision, and resolution",
			},
			[]string{"tool_name", "decision", "resolution"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_request_duration_seconds",
				Help:    "End-to-end request latency from receipt to terminal resolution",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"tool_name", "resolution"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_dispatch_duration_seconds",
				Help:    "HTTP dispatch latency against a configured service",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"service", "tool_name", "status"},
		),
		PendingApprovals: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_pending_approvals",
				Help: "Current number of in-flight pending approvals",
			},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_rate_limited_total",
				Help: "Total requests rejected by a rate or pending-approval cap",
			},
			[]string{"reason"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_active_sessions",
				Help: "Current number of connected agent sessions",
			},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_errors_total",
				Help: "Total classified gateway errors by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordRequest records a terminal request outcome.
func (m *Metrics) RecordRequest(toolName, decision, resolution string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(toolName, decision, resolution).Inc()
	m.RequestDuration.WithLabelValues(toolName, resolution).Observe(durationSeconds)
}

// RecordDispatch records one HTTP dispatch attempt.
func (m *Metrics) RecordDispatch(service, toolName, status string, durationSeconds float64) {
	m.DispatchDuration.WithLabelValues(service, toolName, status).Observe(durationSeconds)
}

// RecordRateLimited increments the rejection counter for reason.
func (m *Metrics) RecordRateLimited(reason string) {
	m.RateLimited.WithLabelValues(reason).Inc()
}

// RecordError increments the classified error counter for kind.
func (m *Metrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
