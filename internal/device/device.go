package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the operating state a device reports.
type Mode string

const (
	// ModeNormal is a booted device visible to the usual enumeration tools.
	ModeNormal Mode = "normal"
	// ModeRecovery is the iBoot recovery state.
	ModeRecovery Mode = "recovery"
	// ModeDFU is the physically-triggered firmware update state.
	ModeDFU Mode = "dfu"
	// ModeRestore is the state a device is in while a restore is running.
	ModeRestore Mode = "restore"
)

var (
	// ErrTimeout is returned when a device does not reach a mode in time.
	ErrTimeout = errors.New("timed out waiting for device")
	// ErrNotFound is returned when a device id is not connected.
	ErrNotFound = errors.New("device not found")
)

// Identity is what a query reports about one connected device.
// It is never cached across steps because the device changes mode between them.
type Identity struct {
	// ID is the unique device identifier (UDID).
	ID string `json:"id" yaml:"id"`
	// ProductType is the hardware model identifier, e.g. "iPad2,1".
	ProductType string `json:"product_type" yaml:"product_type"`
	// OSVersion is the installed OS version, e.g. "9.3.5".
	OSVersion string `json:"os_version" yaml:"os_version"`
}

// Handle is the device control capability.
// Every method is a blocking call bounded by ctx.
type Handle interface {
	// ListDevices enumerates connected devices in a stable order.
	ListDevices(ctx context.Context) ([]Identity, error)
	// QueryInfo reads the current identity of the device.
	QueryInfo(ctx context.Context, id string) (Identity, error)
	// Backup stores a full backup of the device under destPath.
	Backup(ctx context.Context, id, destPath string) error
	// Flash erases the device and installs artifactPath.
	Flash(ctx context.Context, id, artifactPath string) error
	// WaitForMode blocks until the device reports mode or timeout elapses, returning ErrTimeout.
	WaitForMode(ctx context.Context, id string, mode Mode, timeout time.Duration) error
}

// ToolError carries the verbatim output of a failed external tool.
type ToolError struct {
	// Tool is the executable name.
	Tool string
	// Args are the arguments the tool was run with.
	Args []string
	// Output is the combined stdout and stderr of the tool.
	Output string
	// Err is the process error.
	Err error
}

// Error implements error.
func (e *ToolError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("%s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	}

	return fmt.Sprintf("%s %s: %v: %s", e.Tool, strings.Join(e.Args, " "), e.Err, output)
}

// Unwrap returns the process error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the most useful verbatim text describing err.
func Diagnostic(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) && strings.TrimSpace(toolErr.Output) != "" {
		return toolErr.Output
	}

	return err.Error()
}
