// Package status exposes installation progress over the standard gRPC health
// protocol so automation can watch a running session.
//
// The "fwforge.install" service is SERVING while a session is in progress or
// has completed and NOT_SERVING before the first session and after a failure.
// Client reads that status from another process.
package status
