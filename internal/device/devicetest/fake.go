// Package devicetest provides a scripted device.Handle for tests.
package devicetest

import (
	"context"
	"sync"
	"time"

	"github.com/oshokin/fwforge/internal/device"
)

// Fake is a deterministic device.Handle.
// Zero values mean success with no devices; fields may be set before use.
type Fake struct {
	// Devices is returned by ListDevices before a flash.
	Devices []device.Identity
	// ListErr fails every ListDevices call.
	ListErr error
	// QueryErr fails every QueryInfo call.
	QueryErr error
	// BackupErr fails Backup.
	BackupErr error
	// FlashErr fails Flash.
	FlashErr error
	// ModeResults are returned by successive WaitForMode calls; the last one repeats.
	ModeResults []error
	// AfterFlash replaces Devices once Flash succeeds.
	AfterFlash []device.Identity
	// HiddenAfterFlash is the number of ListDevices calls after a flash that see no devices.
	HiddenAfterFlash int

	mu       sync.Mutex
	flashed  bool
	modeCall int
	calls    []string
	backups  []string
	flashes  []string
}

// ListDevices implements device.Handle.
func (f *Fake) ListDevices(context.Context) ([]device.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "list")

	if f.ListErr != nil {
		return nil, f.ListErr
	}

	if f.flashed {
		if f.HiddenAfterFlash > 0 {
			f.HiddenAfterFlash--

			return nil, nil
		}

		return append([]device.Identity(nil), f.AfterFlash...), nil
	}

	return append([]device.Identity(nil), f.Devices...), nil
}

// QueryInfo implements device.Handle.
func (f *Fake) QueryInfo(_ context.Context, id string) (device.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "query")

	if f.QueryErr != nil {
		return device.Identity{}, f.QueryErr
	}

	devices := f.Devices
	if f.flashed {
		devices = f.AfterFlash
	}

	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}

	return device.Identity{}, device.ErrNotFound
}

// Backup implements device.Handle.
func (f *Fake) Backup(_ context.Context, _, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "backup")
	f.backups = append(f.backups, destPath)

	return f.BackupErr
}

// Flash implements device.Handle.
func (f *Fake) Flash(_ context.Context, _, artifactPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "flash")
	f.flashes = append(f.flashes, artifactPath)

	if f.FlashErr != nil {
		return f.FlashErr
	}

	f.flashed = true

	return nil
}

// WaitForMode implements device.Handle.
func (f *Fake) WaitForMode(context.Context, string, device.Mode, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "wait")

	if len(f.ModeResults) == 0 {
		return nil
	}

	i := min(f.modeCall, len(f.ModeResults)-1)
	f.modeCall++

	return f.ModeResults[i]
}

// Calls returns the sequence of methods invoked.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

// Count returns how many times method was invoked.
func (f *Fake) Count(method string) int {
	n := 0

	for _, call := range f.Calls() {
		if call == method {
			n++
		}
	}

	return n
}

// BackupPaths returns the destinations passed to Backup.
func (f *Fake) BackupPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.backups...)
}

// FlashedArtifacts returns the artifact of every Flash call.
func (f *Fake) FlashedArtifacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.flashes...)
}
