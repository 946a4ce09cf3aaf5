// Package telemetry provides logging, tracing and metrics for the supervisor.
//
// # Logging
//
// Logger wraps zerolog. Subsystems derive a child logger once and add fields
// per call site:
//
//	logger := tel.Logger.NewComponentLogger("watchdog")
//	logger.WithSlug("dns").Warn("Watchdog found a problem with plugin")
//
// # Metrics
//
// Metrics owns a private Prometheus registry exposed by StartMetricsServer.
// All Record and Set methods are safe on a disabled or nil *Metrics.
//
// # Tracing
//
// Tracer wraps an OpenTelemetry tracer provider exporting to stdout or an
// OTLP collector over gRPC. Scheduled tasks, jobs and snapshot workflows
// each open a span.
//
// # Captured exceptions
//
// Errors the supervisor handles and swallows (a failed watchdog restart, an
// aborted snapshot) are passed to Telemetry.CaptureException, which logs
// them, marks the active span and counts them by error class.
package telemetry
