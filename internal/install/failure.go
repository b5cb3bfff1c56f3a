package install

import (
	"errors"
	"fmt"
)

// Reason classifies a failed session.
type Reason string

const (
	// ReasonNoDeviceFound means enumeration returned no devices.
	ReasonNoDeviceFound Reason = "no-device-found"
	// ReasonDeviceQueryFailed means the device tools could not be queried.
	ReasonDeviceQueryFailed Reason = "device-query-failed"
	// ReasonDeviceMismatch means strict mode rejected the product type.
	ReasonDeviceMismatch Reason = "device-mismatch"
	// ReasonSessionLocked means another session owns the device.
	ReasonSessionLocked Reason = "session-locked"
	// ReasonArtifactMissing means the artifact does not exist.
	ReasonArtifactMissing Reason = "artifact-missing"
	// ReasonArtifactRejected means the artifact was implausible and not confirmed.
	ReasonArtifactRejected Reason = "artifact-rejected"
	// ReasonManualModeTimeout means the device never entered DFU.
	ReasonManualModeTimeout Reason = "manual-mode-timeout"
	// ReasonFlashNotConfirmed means the flash token was not supplied.
	ReasonFlashNotConfirmed Reason = "flash-not-confirmed"
	// ReasonFlashFailed means the restore tool failed.
	ReasonFlashFailed Reason = "flash-failed"
	// ReasonCancelled means the operator aborted between steps.
	ReasonCancelled Reason = "cancelled"
)

// ErrFailed matches every *Failure.
var ErrFailed = errors.New("installation failed")

// Failure is the structured result of a failed session.
type Failure struct {
	// Reason classifies the failure.
	Reason Reason `json:"reason" yaml:"reason"`
	// State is the state the session was in when it failed.
	State State `json:"state" yaml:"state"`
	// Diagnostic is free text, verbatim tool output where available.
	Diagnostic string `json:"diagnostic" yaml:"diagnostic"`
	// Err is the underlying cause, if any.
	Err error `json:"-" yaml:"-"`
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("installation failed in %s: %s: %s", f.State, f.Reason, f.Diagnostic)
}

// Unwrap exposes ErrFailed and the cause to errors.Is.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrFailed}
	}

	return []error{ErrFailed, f.Err}
}

// WarningCode classifies a non-fatal problem.
type WarningCode string

const (
	// WarningCompatibility means several devices were connected and none matched the target.
	WarningCompatibility WarningCode = "compatibility-warning"
	// WarningProductMismatch means the device product type differs from the target.
	WarningProductMismatch WarningCode = "product-mismatch"
	// WarningBackupFailed means no backup was taken.
	WarningBackupFailed WarningCode = "backup-failed"
	// WarningArtifactSizeUnknown means no expected size is configured for the target OS version.
	WarningArtifactSizeUnknown WarningCode = "artifact-size-unknown"
	// WarningArtifactUndersized means an undersized artifact was accepted by the operator.
	WarningArtifactUndersized WarningCode = "artifact-undersized-confirmed"
	// WarningArtifactMetadata means the artifact's boot metadata does not match the target.
	WarningArtifactMetadata WarningCode = "artifact-metadata-mismatch"
	// WarningOSVersionMismatch means the device reports a different OS version after flashing.
	WarningOSVersionMismatch WarningCode = "os-version-mismatch"
	// WarningPostFlashUnverified means the device did not re-enumerate in time.
	WarningPostFlashUnverified WarningCode = "post-flash-unverified"
)

// Warning is a non-fatal problem carried in the report.
type Warning struct {
	// Code classifies the warning.
	Code WarningCode `json:"code" yaml:"code"`
	// State is where the warning was raised.
	State State `json:"state" yaml:"state"`
	// Message describes the problem.
	Message string `json:"message" yaml:"message"`
}
