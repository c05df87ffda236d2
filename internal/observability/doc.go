// Package observability carries the bridge's ambient instrumentation:
// a redacting slog logger that tags records with call identifiers,
// Prometheus collectors for sessions, routing and function calls, and an
// OpenTelemetry tracer for the same.
package observability
