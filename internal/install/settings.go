package install

import (
	"maps"
	"time"

	"github.com/oshokin/fwforge/internal/config"
)

// Settings is the immutable configuration of one session.
type Settings struct {
	// TargetProductType is the expected device identifier; empty disables the check.
	TargetProductType string
	// TargetOSVersion is the OS version the artifact installs.
	TargetOSVersion string
	// Strict makes a product type mismatch fatal.
	Strict bool
	// ArtifactPath is the signed artifact to flash.
	ArtifactPath string
	// BackupDir is the parent of timestamped backups.
	BackupDir string
	// MinSizeRatio is the plausibility threshold relative to the expected size.
	MinSizeRatio float64
	// ManualModeInterval is the time allowed for each DFU probe.
	ManualModeInterval time.Duration
	// ManualModeAttempts bounds the DFU probes.
	ManualModeAttempts int
	// SettleDelay is waited once after flashing.
	SettleDelay time.Duration
	// PostFlashAttempts bounds re-enumeration polls.
	PostFlashAttempts int
	// InitialBackoff is the first wait between re-enumeration polls.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff.
	MaxBackoff time.Duration
	// EnumerateTimeout bounds one enumeration.
	EnumerateTimeout time.Duration
	// QueryTimeout bounds one identity query.
	QueryTimeout time.Duration
	// BackupTimeout bounds the backup.
	BackupTimeout time.Duration
	// FlashTimeout bounds the flash.
	FlashTimeout time.Duration
	// FlashToken is the token required before flashing; empty means "ERASE <device-id>".
	FlashToken string

	// expectedSizes maps OS versions to stock artifact sizes.
	expectedSizes map[string]int64
}

// SettingsFromConfig copies a validated install section.
func SettingsFromConfig(in *config.Install) Settings {
	return Settings{
		TargetProductType:  in.TargetProductType,
		TargetOSVersion:    in.TargetOSVersion,
		Strict:             in.Strict,
		ArtifactPath:       in.Artifact,
		BackupDir:          in.BackupDir,
		MinSizeRatio:       in.MinSizeRatio,
		ManualModeInterval: in.ManualMode.Interval,
		ManualModeAttempts: in.ManualMode.MaxAttempts,
		SettleDelay:        in.PostFlash.SettleDelay,
		PostFlashAttempts:  in.PostFlash.MaxAttempts,
		InitialBackoff:     in.PostFlash.InitialBackoff,
		MaxBackoff:         in.PostFlash.MaxBackoff,
		EnumerateTimeout:   in.Timeouts.Enumerate,
		QueryTimeout:       in.Timeouts.Query,
		BackupTimeout:      in.Timeouts.Backup,
		FlashTimeout:       in.Timeouts.Flash,
		FlashToken:         in.FlashToken,
		expectedSizes:      maps.Clone(in.ExpectedSizes),
	}
}

// WithExpectedSize returns a copy of s that knows the stock size for osVersion.
func (s Settings) WithExpectedSize(osVersion string, size int64) Settings {
	sizes := maps.Clone(s.expectedSizes)
	if sizes == nil {
		sizes = make(map[string]int64, 1)
	}

	sizes[osVersion] = size
	s.expectedSizes = sizes

	return s
}

// ExpectedSize returns the stock artifact size for osVersion.
func (s Settings) ExpectedSize(osVersion string) (int64, bool) {
	size, ok := s.expectedSizes[osVersion]

	return size, ok && size > 0
}

// flashToken returns the token required to flash deviceID.
func (s Settings) flashToken(deviceID string) string {
	if s.FlashToken != "" {
		return s.FlashToken
	}

	return "ERASE " + deviceID
}
