// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry wiring, and graceful shutdown for the
// service binaries.
package observability
