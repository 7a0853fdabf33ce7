// Package observability provides logging, metrics and tracing for the
// runtime.
//
//   - Logging: slog with a handler that redacts provider keys and adds
//     request, thread, run and agent ids taken from the context.
//   - Metrics: Prometheus counters and histograms for requests, stream
//     events, action executions and adapter failures.
//   - Tracing: OpenTelemetry spans per request, model invocation and
//     action execution, exported over OTLP gRPC when an endpoint is set.
package observability
