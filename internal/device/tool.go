package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oshokin/fwforge/internal/logger"
)

// Tools names the external executables used by ToolHandle.
type Tools struct {
	// List enumerates devices (idevice_id).
	List string
	// Info queries device properties (ideviceinfo).
	Info string
	// Backup creates backups (idevicebackup2).
	Backup string
	// Restore flashes firmware (idevicerestore).
	Restore string
	// Mode reports recovery and DFU state (irecovery).
	Mode string
}

// Timeouts bounds each kind of tool invocation.
type Timeouts struct {
	// Enumerate bounds device listing.
	Enumerate time.Duration
	// Query bounds property queries.
	Query time.Duration
	// Backup bounds a full backup.
	Backup time.Duration
	// Flash bounds a restore.
	Flash time.Duration
}

// Runner executes name with args and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ToolHandle implements Handle on top of the libimobiledevice tools.
type ToolHandle struct {
	// tools are the executable names.
	tools Tools
	// timeouts bound every call.
	timeouts Timeouts
	// run executes a tool.
	run Runner
	// pollInterval separates mode probes in WaitForMode.
	pollInterval time.Duration
}

// ToolOption configures a ToolHandle.
type ToolOption func(*ToolHandle)

// WithRunner replaces process execution, mainly for tests.
func WithRunner(run Runner) ToolOption {
	return func(h *ToolHandle) {
		if run != nil {
			h.run = run
		}
	}
}

// WithPollInterval sets the delay between mode probes.
func WithPollInterval(interval time.Duration) ToolOption {
	return func(h *ToolHandle) {
		if interval > 0 {
			h.pollInterval = interval
		}
	}
}

const (
	// defaultPollInterval separates mode probes.
	defaultPollInterval = time.Second

	// Property keys reported by ideviceinfo.
	keyProductType    = "ProductType"
	keyProductVersion = "ProductVersion"

	// Keys reported by irecovery -q.
	keyMode    = "MODE"
	keyProduct = "PRODUCT"
)

// NewToolHandle returns a handle running the given tools.
func NewToolHandle(tools Tools, timeouts Timeouts, opts ...ToolOption) *ToolHandle {
	h := &ToolHandle{
		tools:        tools,
		timeouts:     timeouts,
		run:          execRunner,
		pollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ListDevices runs "idevice_id -l" and queries each listed device.
// A device whose query fails is still listed with its id only.
func (h *ToolHandle) ListDevices(ctx context.Context) ([]Identity, error) {
	ids, err := h.listIDs(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]Identity, 0, len(ids))

	for _, id := range ids {
		identity, queryErr := h.QueryInfo(ctx, id)
		if queryErr != nil {
			logger.WarnKV(ctx, "Device query failed during enumeration", "device", id, "error", queryErr)

			identity = Identity{ID: id}
		}

		devices = append(devices, identity)
	}

	return devices, nil
}

// QueryInfo runs "ideviceinfo -u <id>" and reads product type and version.
func (h *ToolHandle) QueryInfo(ctx context.Context, id string) (Identity, error) {
	output, err := h.invoke(ctx, h.timeouts.Query, h.tools.Info, "-u", id)
	if err != nil {
		if strings.Contains(strings.ToLower(string(output)), "no device found") {
			return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return Identity{}, err
	}

	properties := parseProperties(string(output))

	return Identity{
		ID:          id,
		ProductType: properties[keyProductType],
		OSVersion:   properties[keyProductVersion],
	}, nil
}

// Backup runs "idevicebackup2 -u <id> backup --full <dest>".
func (h *ToolHandle) Backup(ctx context.Context, id, destPath string) error {
	_, err := h.invoke(ctx, h.timeouts.Backup, h.tools.Backup, "-u", id, "backup", "--full", destPath)

	return err
}

// Flash runs "idevicerestore -u <id> -e -y <artifact>".
func (h *ToolHandle) Flash(ctx context.Context, id, artifactPath string) error {
	_, err := h.invoke(ctx, h.timeouts.Flash, h.tools.Restore, "-u", id, "-e", "-y", artifactPath)

	return err
}

// WaitForMode probes the device until it reports mode.
// Normal mode is detected by enumeration; recovery and DFU through irecovery.
func (h *ToolHandle) WaitForMode(ctx context.Context, id string, mode Mode, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		if h.inMode(waitCtx, id, mode) {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("%w: %s to enter %s mode", ErrTimeout, id, mode)
		case <-ticker.C:
		}
	}
}

// inMode runs one probe; probe errors count as "not yet".
func (h *ToolHandle) inMode(ctx context.Context, id string, mode Mode) bool {
	if mode == ModeNormal {
		ids, err := h.listIDs(ctx)
		if err != nil {
			return false
		}

		for _, listed := range ids {
			if listed == id {
				return true
			}
		}

		return false
	}

	output, err := h.invoke(ctx, h.timeouts.Query, h.tools.Mode, "-q")
	if err != nil {
		logger.DebugKV(ctx, "Mode probe failed", "device", id, "error", err)

		return false
	}

	return parseMode(parseProperties(string(output))[keyMode]) == mode
}

func (h *ToolHandle) listIDs(ctx context.Context) ([]string, error) {
	output, err := h.invoke(ctx, h.timeouts.Enumerate, h.tools.List, "-l")
	if err != nil {
		return nil, err
	}

	var ids []string

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// invoke runs one tool bounded by timeout and wraps failures in ToolError.
func (h *ToolHandle) invoke(ctx context.Context, timeout time.Duration, tool string, args ...string) ([]byte, error) {
	callCtx, cancel := callContext(ctx, timeout)
	defer cancel()

	logger.DebugKV(ctx, "Running device tool", "tool", tool, "args", strings.Join(args, " "))

	output, err := h.run(callCtx, tool, args...)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", ErrTimeout, tool, timeout)
		}

		return output, &ToolError{Tool: tool, Args: args, Output: string(output), Err: err}
	}

	return output, nil
}

// callContext applies timeout when it is positive.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return toolCommand(ctx, name, args...).CombinedOutput()
}

// toolCommand prepares a tool process outside the terminal's process group.
// A Ctrl-C reaches only fwforge, so the call context is the only way to stop a tool.
func toolCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)

	return cmd
}

// parseProperties reads "Key: Value" lines.
func parseProperties(output string) map[string]string {
	properties := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}

		properties[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return properties
}

func parseMode(value string) Mode {
	switch strings.ToLower(value) {
	case "dfu", "wtf":
		return ModeDFU
	case "recovery":
		return ModeRecovery
	case "restore":
		return ModeRestore
	case "normal":
		return ModeNormal
	default:
		return ""
	}
}
