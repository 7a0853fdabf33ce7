package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RequestFinished("openai", "Success", time.Since(start).Seconds())
//	metrics.ActionExecuted("backend", "success", elapsed.Seconds())
type Metrics struct {
	// RequestCounter counts finished requests.
	// Labels: adapter, status (Success|GuardrailsValidationFailure|MessageStreamInterrupted|UnknownError)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures request wall time in seconds.
	// Labels: adapter
	RequestDuration *prometheus.HistogramVec

	// ActiveStreams is the number of requests currently streaming.
	ActiveStreams prometheus.Gauge

	// EventCounter counts forwarded stream events.
	// Labels: type
	EventCounter *prometheus.CounterVec

	// ActionCounter counts action executions.
	// Labels: site (frontend|backend), outcome (success|error|not_found|invalid|cancelled|duplicate|forwarded)
	ActionCounter *prometheus.CounterVec

	// ActionDuration measures backend action execution time in seconds.
	// Labels: action
	ActionDuration *prometheus.HistogramVec

	// AdapterErrors counts provider failures.
	// Labels: adapter, kind
	AdapterErrors *prometheus.CounterVec

	// FollowUps counts follow-up model invocations after backend actions.
	// Labels: adapter
	FollowUps *prometheus.CounterVec

	// GuardrailRejections counts requests refused before model invocation.
	// Labels: checker
	GuardrailRejections *prometheus.CounterVec

	// RateLimited counts requests rejected by the per-key rate limiter.
	RateLimited prometheus.Counter

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics with the default Prometheus registry.
// Call it once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_requests_total",
				Help: "Total number of runtime requests by adapter and terminal status",
			},
			[]string{"adapter", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_request_duration_seconds",
				Help:    "Duration of runtime requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"adapter"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "copilot_active_streams",
				Help: "Number of response streams currently open",
			},
		),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_stream_events_total",
				Help: "Total number of stream events forwarded by type",
			},
			[]string{"type"},
		),

		ActionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_actions_total",
				Help: "Total number of action calls by execution site and outcome",
			},
			[]string{"site", "outcome"},
		),

		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_action_duration_seconds",
				Help:    "Duration of backend action executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"action"},
		),

		AdapterErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_adapter_errors_total",
				Help: "Total number of model adapter failures by adapter and kind",
			},
			[]string{"adapter", "kind"},
		),

		FollowUps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_followups_total",
				Help: "Total number of follow-up model invocations",
			},
			[]string{"adapter"},
		),

		GuardrailRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_guardrail_rejections_total",
				Help: "Total number of requests rejected by guardrails",
			},
			[]string{"checker"},
		),

		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "copilot_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RequestStarted marks a stream as open.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// RequestFinished records the terminal status of a request.
func (m *Metrics) RequestFinished(adapter, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.RequestCounter.WithLabelValues(adapter, status).Inc()
	m.RequestDuration.WithLabelValues(adapter).Observe(durationSeconds)
}

// EventForwarded counts one forwarded event.
func (m *Metrics) EventForwarded(eventType string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(eventType).Inc()
}

// ActionExecuted records an action call outcome. Duration is observed only
// for calls that actually ran.
func (m *Metrics) ActionExecuted(action, site, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActionCounter.WithLabelValues(site, outcome).Inc()
	if durationSeconds > 0 {
		m.ActionDuration.WithLabelValues(action).Observe(durationSeconds)
	}
}

// AdapterError counts a provider failure.
func (m *Metrics) AdapterError(adapter, kind string) {
	if m == nil {
		return
	}
	m.AdapterErrors.WithLabelValues(adapter, kind).Inc()
}

// FollowUp counts a follow-up invocation.
func (m *Metrics) FollowUp(adapter string) {
	if m == nil {
		return
	}
	m.FollowUps.WithLabelValues(adapter).Inc()
}

// GuardrailRejected counts a guardrails rejection.
func (m *Metrics) GuardrailRejected(checker string) {
	if m == nil {
		return
	}
	m.GuardrailRejections.WithLabelValues(checker).Inc()
}

// RateLimitRejected counts a rate-limited request.
func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
