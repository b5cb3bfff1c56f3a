// Package device defines the device control capability consumed by the
// installation orchestrator and an adapter that drives it through the
// libimobiledevice command line tools.
package device
