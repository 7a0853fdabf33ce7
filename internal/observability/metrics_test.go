package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRequestLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.RequestStarted()
	m.RequestStarted()
	if got := testutil.ToFloat64(m.ActiveStreams); got != 2 {
		t.Fatalf("ActiveStreams = %v, want 2", got)
	}

	m.RequestFinished("openai", "Success", 1.5)
	m.RequestFinished("openai", "UnknownError", 0.2)
	if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
		t.Errorf("ActiveStreams = %v, want 0", got)
	}

	expected := `
		# HELP copilot_requests_total Total number of runtime requests by adapter and terminal status
		# TYPE copilot_requests_total counter
		copilot_requests_total{adapter="openai",status="Success"} 1
		copilot_requests_total{adapter="openai",status="UnknownError"} 1
	`
	if err := testutil.CollectAndCompare(m.RequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetricsActions(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.ActionExecuted("log", "backend", "success", 0.05)
	m.ActionExecuted("log", "backend", "success", 0.07)
	m.ActionExecuted("missing", "backend", "not_found", 0)
	m.ActionExecuted("showToast", "frontend", "forwarded", 0)

	if got := testutil.ToFloat64(m.ActionCounter.WithLabelValues("backend", "success")); got != 2 {
		t.Errorf("backend success = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.ActionCounter); got != 3 {
		t.Errorf("label combinations = %d, want 3", got)
	}
	if got := testutil.CollectAndCount(m.ActionDuration); got != 1 {
		t.Errorf("duration series = %d, want 1 (only executed calls)", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.EventForwarded("text.delta")
	m.AdapterError("anthropic", "rate_limit")
	m.FollowUp("anthropic")
	m.GuardrailRejected("rules")
	m.RateLimitRejected()
	m.RecordHTTPRequest("POST", "/copilot/stream", "200", 0.3)

	checks := []struct {
		name string
		got  float64
	}{
		{"events", testutil.ToFloat64(m.EventCounter.WithLabelValues("text.delta"))},
		{"adapter errors", testutil.ToFloat64(m.AdapterErrors.WithLabelValues("anthropic", "rate_limit"))},
		{"follow ups", testutil.ToFloat64(m.FollowUps.WithLabelValues("anthropic"))},
		{"guardrails", testutil.ToFloat64(m.GuardrailRejections.WithLabelValues("rules"))},
		{"rate limited", testutil.ToFloat64(m.RateLimited)},
	}
	for _, c := range checks {
		if c.got != 1 {
			t.Errorf("%s = %v, want 1", c.name, c.got)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RequestStarted()
	m.RequestFinished("x", "Success", 1)
	m.EventForwarded("meta")
	m.ActionExecuted("a", "backend", "success", 1)
	m.AdapterError("x", "auth")
	m.FollowUp("x")
	m.GuardrailRejected("x")
	m.RateLimitRejected()
	m.RecordHTTPRequest("GET", "/", "200", 1)
}
