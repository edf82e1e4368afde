// Package observability records flow, step and await lifecycle metrics
// with OpenTelemetry. [Metrics] subscribes to the event bus after the
// persistence and orchestration handlers and counts what they saw.
//
// For per-job execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
