// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the skiff control plane. All three are
// configured once at startup and threaded into the components that need
// them; disabled instances are safe no-ops.
package telemetry
