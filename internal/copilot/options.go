package copilot

import (
	"log/slog"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/backoff"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
)

// Options configures a Runtime.
type Options struct {
	// MaxIterations bounds model invocations per request, the first one
	// included. Default 10.
	MaxIterations int

	// Retry re-invokes an adapter whose stream failed with a retryable
	// error before producing anything. Disabled by default.
	Retry backoff.Policy

	// DuplicatePolicy decides how name clashes between action sources are
	// handled. Default reject.
	DuplicatePolicy actions.DuplicatePolicy

	// DefaultAdapter names the adapter used when a request names none.
	DefaultAdapter string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultOptions returns the default runtime options.
func DefaultOptions() Options {
	return Options{
		MaxIterations:   10,
		DuplicatePolicy: actions.DuplicateReject,
		Logger:          slog.Default(),
	}
}

func mergeOptions(base Options, override Options) Options {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.Retry.Enabled() {
		merged.Retry = override.Retry
	}
	if override.DuplicatePolicy != "" {
		merged.DuplicatePolicy = override.DuplicatePolicy
	}
	if override.DefaultAdapter != "" {
		merged.DefaultAdapter = override.DefaultAdapter
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	if override.Metrics != nil {
		merged.Metrics = override.Metrics
	}
	if override.Tracer != nil {
		merged.Tracer = override.Tracer
	}
	return merged
}
