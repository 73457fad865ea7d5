// Package observability provides an OpenTelemetry-based metrics
// extension for muster. The MetricsExtension implements lifecycle hooks
// to record system-wide counters for job fires, execution outcomes,
// leadership changes, and deployment lifecycle events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
