package install

import (
	"fmt"
	"slices"
	"time"

	"github.com/oshokin/fwforge/internal/device"
)

// Session is the mutable record of one installation attempt.
// It is owned by the orchestrator; observers must treat it as read-only.
type Session struct {
	// ID uniquely identifies the attempt.
	ID string
	// State is the current state.
	State State
	// Device is the most recently queried identity of the target.
	Device device.Identity
	// Operator is who started the session.
	Operator Operator
	// ArtifactPath is the artifact being installed.
	ArtifactPath string
	// ArtifactSize is the artifact size seen during verification.
	ArtifactSize int64
	// BackupPath is the backup destination, set once a backup was attempted.
	BackupPath string
	// BackupSucceeded reports whether the backup completed.
	BackupSucceeded bool
	// PostFlashOSVersion is the OS version reported after flashing.
	PostFlashOSVersion string
	// StartedAt is when the session started.
	StartedAt time.Time
	// Warnings are the accumulated non-fatal problems.
	Warnings []Warning
	// Transitions is the state history.
	Transitions []Transition
	// Log holds human-readable progress lines.
	Log []string
	// Failure is set when the session failed.
	Failure *Failure

	// flashed is set once the flash step has been entered.
	flashed bool
}

// HasWarning reports whether a warning with code was recorded.
func (s *Session) HasWarning(code WarningCode) bool {
	return slices.ContainsFunc(s.Warnings, func(w Warning) bool { return w.Code == code })
}

func (s *Session) logf(at time.Time, format string, args ...any) {
	s.Log = append(s.Log, at.UTC().Format(time.RFC3339)+" "+fmt.Sprintf(format, args...))
}

// Report is the persisted audit record of a finished session.
type Report struct {
	// SessionID identifies the attempt.
	SessionID string `json:"session_id" yaml:"session_id"`
	// ToolVersion is the version of the installer.
	ToolVersion string `json:"tool_version" yaml:"tool_version"`
	// State is the terminal state.
	State State `json:"state" yaml:"state"`
	// Device is the target identity.
	Device device.Identity `json:"device" yaml:"device"`
	// Operator is who started the session.
	Operator Operator `json:"operator" yaml:"operator"`
	// PostFlashOSVersion is the OS version after flashing, if verified.
	PostFlashOSVersion string `json:"post_flash_os_version,omitempty" yaml:"post_flash_os_version,omitempty"`
	// ArtifactPath is the installed artifact.
	ArtifactPath string `json:"artifact_path" yaml:"artifact_path"`
	// ArtifactSize is the artifact size in bytes.
	ArtifactSize int64 `json:"artifact_size" yaml:"artifact_size"`
	// BackupPath is the backup destination.
	BackupPath string `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	// BackupSucceeded reports whether the backup completed.
	BackupSucceeded bool `json:"backup_succeeded" yaml:"backup_succeeded"`
	// Warnings are the accumulated non-fatal problems.
	Warnings []Warning `json:"warnings" yaml:"warnings"`
	// Failure is set for failed sessions.
	Failure *Failure `json:"failure,omitempty" yaml:"failure,omitempty"`
	// Transitions is the state history.
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	// Log holds the progress lines.
	Log []string `json:"log" yaml:"log"`
	// StartedAt is when the session started.
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	// FinishedAt is when the session reached a terminal state.
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	// Duration is the total elapsed time.
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Succeeded reports whether the session completed.
func (r *Report) Succeeded() bool {
	return r.State == StateCompleted
}

// HasWarning reports whether a warning with code was recorded.
func (r *Report) HasWarning(code WarningCode) bool {
	return slices.ContainsFunc(r.Warnings, func(w Warning) bool { return w.Code == code })
}

// report snapshots the session.
func (s *Session) report(finishedAt time.Time, toolVersion string) *Report {
	report := &Report{
		SessionID:          s.ID,
		ToolVersion:        toolVersion,
		State:              s.State,
		Device:             s.Device,
		Operator:           s.Operator,
		PostFlashOSVersion: s.PostFlashOSVersion,
		ArtifactPath:       s.ArtifactPath,
		ArtifactSize:       s.ArtifactSize,
		BackupPath:         s.BackupPath,
		BackupSucceeded:    s.BackupSucceeded,
		Warnings:           slices.Clone(s.Warnings),
		Transitions:        slices.Clone(s.Transitions),
		Log:                slices.Clone(s.Log),
		StartedAt:          s.StartedAt,
		FinishedAt:         finishedAt,
		Duration:           finishedAt.Sub(s.StartedAt),
	}

	if s.Failure != nil {
		failure := *s.Failure
		report.Failure = &failure
	}

	if report.Warnings == nil {
		report.Warnings = []Warning{}
	}

	return report
}
