// Package observability provides OpenTelemetry-based metrics extensions
// for Loom. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for workflow, step, budget, and intervention
// events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
