// Package tracing sets up OpenTelemetry spans for the build pipeline.
package tracing
