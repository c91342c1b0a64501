// Package observability provides OpenTelemetry metrics and alert logging
// extensions for the fiscal engine. The MetricsExtension implements
// lifecycle hooks to record system-wide counters for published,
// completed, rejected, retried, dead-lettered and recovered items, plus
// operator alerts and maintenance runs. The CountersExtension keeps the
// same totals in process through a go-utils MetricFactory. The
// AlertLogger writes every alert to a structured logger.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
