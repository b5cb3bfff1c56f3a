// Package installer runs one installation session from configuration.
//
// It wires the device tool adapter, the confirmation port, the per-device
// lock and the observer chain (metrics, NATS events, gRPC health status)
// around the orchestrator, then persists and prints the session report.
// ShowReports reads stored reports back and Watch follows a running session
// through its status endpoint.
package installer
