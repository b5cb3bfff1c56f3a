package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings shared by the build and install binaries.
type Config struct {
	// LogLevel is the minimum level for log output (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// Build configures the patch-and-repack pipeline.
	Build Build `yaml:"build"`
	// Install configures the device installation session.
	Install Install `yaml:"install"`
}

// Build describes one build job.
type Build struct {
	// BaseArchive is the vendor-signed firmware container to start from.
	BaseArchive string `yaml:"base_archive"`
	// Output is where the repacked artifact is written.
	Output string `yaml:"output"`
	// KernelComponent is the path of the kernel cache inside the archive.
	KernelComponent string `yaml:"kernel_component"`
	// PatchSet is the YAML patch table applied to the kernel component.
	PatchSet string `yaml:"patch_set"`
	// ResourceDir holds files overlaid onto the tree at the same relative paths.
	ResourceDir string `yaml:"resource_dir"`
	// StagingRoot is the parent directory for extraction trees.
	StagingRoot string `yaml:"staging_root"`
	// RetainStaging keeps the extracted tree after the build for inspection.
	RetainStaging bool `yaml:"retain_staging"`
	// MinFreeBytes is the headroom required on the staging volume beyond the extracted size.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
	// Signer configures the external code-signing collaborator.
	Signer Signer `yaml:"signer"`
	// MetricsTextfile is an optional node-exporter textfile to write build metrics to.
	MetricsTextfile string `yaml:"metrics_textfile"`
	// Trace enables stdout span export for the pipeline steps.
	Trace bool `yaml:"trace"`
	// Variants builds several artifacts from the same base archive in parallel.
	Variants []Variant `yaml:"variants"`
}

// Variant overrides the per-artifact fields of a build.
type Variant struct {
	// Name labels the variant in logs and metrics.
	Name string `yaml:"name"`
	// Output is where this variant's artifact is written.
	Output string `yaml:"output"`
	// PatchSet is this variant's patch table; empty inherits the build's.
	PatchSet string `yaml:"patch_set"`
	// ResourceDir is this variant's overlay directory; empty inherits the build's.
	ResourceDir string `yaml:"resource_dir"`
}

// Signer describes the external signing command.
type Signer struct {
	// Command is the executable invoked as `<command> <artifact> <credential>`.
	Command string `yaml:"command"`
	// Credential is an opaque reference passed to the signer.
	Credential string `yaml:"credential"`
	// Timeout bounds one signer invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// Install describes one installation session.
type Install struct {
	// TargetProductType is the expected device identifier (e.g. iPhone14,2).
	TargetProductType string `yaml:"target_product_type"`
	// TargetOSVersion is the OS version the artifact installs.
	TargetOSVersion string `yaml:"target_os_version"`
	// Strict makes a product type mismatch fatal.
	Strict bool `yaml:"strict"`
	// Artifact is the signed artifact to flash.
	Artifact string `yaml:"artifact"`
	// BackupDir is the parent directory for timestamped device backups.
	BackupDir string `yaml:"backup_dir"`
	// ExpectedSizes maps OS versions to the known stock artifact size in bytes.
	ExpectedSizes map[string]int64 `yaml:"expected_sizes"`
	// MinSizeRatio is the fraction of the expected size below which an artifact is suspicious.
	MinSizeRatio float64 `yaml:"min_size_ratio"`
	// ManualMode bounds the wait for DFU entry.
	ManualMode Poll `yaml:"manual_mode"`
	// PostFlash bounds the wait for the device to come back after flashing.
	PostFlash PostFlash `yaml:"post_flash"`
	// Timeouts bound every external device tool invocation.
	Timeouts Timeouts `yaml:"timeouts"`
	// Tools names the device control executables.
	Tools Tools `yaml:"tools"`
	// Report selects where installation reports are persisted.
	Report Report `yaml:"report"`
	// NATSURL enables publishing session transitions when set.
	NATSURL string `yaml:"nats_url"`
	// MetricsTextfile is an optional node-exporter textfile to write install metrics to.
	MetricsTextfile string `yaml:"metrics_textfile"`
	// StatusAddress enables the gRPC health endpoint when set.
	StatusAddress string `yaml:"status_address"`
	// LockDir holds per-device session lock files.
	LockDir string `yaml:"lock_dir"`
	// AssumeYes answers every non-destructive confirmation affirmatively.
	AssumeYes bool `yaml:"assume_yes"`
	// FlashToken is the pre-approved token for unattended flashing; empty means interactive.
	FlashToken string `yaml:"flash_token"`
}

// Poll is a fixed-interval bounded retry policy.
type Poll struct {
	// Interval is the time allowed for each attempt.
	Interval time.Duration `yaml:"interval"`
	// MaxAttempts is the number of attempts before giving up.
	MaxAttempts int `yaml:"max_attempts"`
}

// PostFlash is the re-enumeration policy after a flash.
type PostFlash struct {
	// SettleDelay is waited once before the first poll.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// MaxAttempts is the number of enumeration attempts.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the doubling backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Timeouts bound device tool invocations.
type Timeouts struct {
	Enumerate time.Duration `yaml:"enumerate"`
	Query     time.Duration `yaml:"query"`
	Backup    time.Duration `yaml:"backup"`
	Flash     time.Duration `yaml:"flash"`
}

// Tools names the executables used by the device adapter.
type Tools struct {
	List    string `yaml:"list"`
	Info    string `yaml:"info"`
	Backup  string `yaml:"backup"`
	Restore string `yaml:"restore"`
	Mode    string `yaml:"mode"`
}

// Report selects the report store.
type Report struct {
	// Store is "file" or "badger".
	Store string `yaml:"store"`
	// Path is a directory for both stores.
	Path string `yaml:"path"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "fwforge.yaml"

	// DefaultKernelComponent is the kernel cache path inside a stock archive.
	DefaultKernelComponent = "kernelcache"

	// DefaultFilePermissions is the default file permission for config and report files.
	DefaultFilePermissions = 0o600

	// DefaultMinSizeRatio flags artifacts smaller than 90% of the stock size.
	DefaultMinSizeRatio = 0.9

	// ReportStoreFile persists reports as JSON files.
	ReportStoreFile = "file"
	// ReportStoreBadger persists reports in a badger database.
	ReportStoreBadger = "badger"

	defaultSignerTimeout       = 10 * time.Minute
	defaultManualModeInterval  = 5 * time.Second
	defaultManualModeAttempts  = 24
	defaultSettleDelay         = 30 * time.Second
	defaultPostFlashAttempts   = 10
	defaultPostFlashBackoff    = 5 * time.Second
	defaultPostFlashMaxBackoff = time.Minute
	defaultEnumerateTimeout    = 15 * time.Second
	defaultQueryTimeout        = 15 * time.Second
	defaultBackupTimeout       = 2 * time.Hour
	defaultFlashTimeout        = time.Hour
	defaultBackupDir           = "backups"
	defaultReportDir           = "reports"
	defaultLockDir             = ".fwforge-locks"
	defaultListTool            = "idevice_id"
	defaultInfoTool            = "ideviceinfo"
	defaultBackupTool          = "idevicebackup2"
	defaultRestoreTool         = "idevicerestore"
	defaultModeTool            = "irecovery"
	maxMinSizeRatio            = 1.0
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errBaseArchiveRequired is returned when a build has no input archive.
	errBaseArchiveRequired = errors.New("base archive must be provided")
	// errOutputRequired is returned when a build has no output path.
	errOutputRequired = errors.New("output path must be provided")
	// errVariantOutputRequired is returned when a variant has no output path.
	errVariantOutputRequired = errors.New("every variant needs an output path")
	// errArtifactRequired is returned when an install has no artifact.
	errArtifactRequired = errors.New("artifact path must be provided")
	// errBadSizeRatio is returned for ratios outside (0, 1].
	errBadSizeRatio = errors.New("min_size_ratio must be within (0, 1]")
	// errBadReportStore is returned for unknown report store kinds.
	errBadReportStore = errors.New("unknown report store")
	// errNegativeAttempts is returned for negative retry bounds.
	errNegativeAttempts = errors.New("attempt bounds must be positive")
)

// Load reads configuration from the provided path and fills defaults.
// Section-specific requirements are checked by ValidateBuild and ValidateInstall
// once command line overrides have been applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns a defaulted configuration when the file is absent.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = new(Config)
	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks fields that are malformed regardless of the command.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	fillBuildDefaults(&cfg.Build)
	fillInstallDefaults(&cfg.Install)

	in := &cfg.Install
	if in.MinSizeRatio <= 0 || in.MinSizeRatio > maxMinSizeRatio {
		return fmt.Errorf("%w: %v", errBadSizeRatio, in.MinSizeRatio)
	}

	if in.ManualMode.MaxAttempts < 0 || in.PostFlash.MaxAttempts < 0 {
		return errNegativeAttempts
	}

	switch in.Report.Store {
	case ReportStoreFile, ReportStoreBadger:
	default:
		return fmt.Errorf("%w: %q", errBadReportStore, in.Report.Store)
	}

	if in.StatusAddress != "" {
		if _, _, err := net.SplitHostPort(in.StatusAddress); err != nil {
			return fmt.Errorf("invalid status address: %w", err)
		}
	}

	return nil
}

// ValidateBuild checks the fields a build job cannot run without.
func ValidateBuild(b *Build) error {
	if b.BaseArchive == "" {
		return errBaseArchiveRequired
	}

	if len(b.Variants) == 0 && b.Output == "" {
		return errOutputRequired
	}

	for _, v := range b.Variants {
		if v.Output == "" {
			return fmt.Errorf("%w: %q", errVariantOutputRequired, v.Name)
		}
	}

	return nil
}

// ValidateInstall checks the fields an installation session cannot run without.
func ValidateInstall(in *Install) error {
	if in.Artifact == "" {
		return errArtifactRequired
	}

	return nil
}

func fillBuildDefaults(b *Build) {
	if b.KernelComponent == "" {
		b.KernelComponent = DefaultKernelComponent
	}

	if b.StagingRoot == "" {
		b.StagingRoot = os.TempDir()
	}

	if b.Signer.Timeout <= 0 {
		b.Signer.Timeout = defaultSignerTimeout
	}
}

//nolint:cyclop // A flat list of defaults reads better than a table here.
func fillInstallDefaults(in *Install) {
	if in.MinSizeRatio == 0 {
		in.MinSizeRatio = DefaultMinSizeRatio
	}

	if in.BackupDir == "" {
		in.BackupDir = defaultBackupDir
	}

	if in.LockDir == "" {
		in.LockDir = defaultLockDir
	}

	if in.ManualMode.Interval <= 0 {
		in.ManualMode.Interval = defaultManualModeInterval
	}

	if in.ManualMode.MaxAttempts == 0 {
		in.ManualMode.MaxAttempts = defaultManualModeAttempts
	}

	if in.PostFlash.SettleDelay <= 0 {
		in.PostFlash.SettleDelay = defaultSettleDelay
	}

	if in.PostFlash.MaxAttempts == 0 {
		in.PostFlash.MaxAttempts = defaultPostFlashAttempts
	}

	if in.PostFlash.InitialBackoff <= 0 {
		in.PostFlash.InitialBackoff = defaultPostFlashBackoff
	}

	if in.PostFlash.MaxBackoff <= 0 {
		in.PostFlash.MaxBackoff = defaultPostFlashMaxBackoff
	}

	fillTimeouts(&in.Timeouts)
	fillTools(&in.Tools)

	if in.Report.Store == "" {
		in.Report.Store = ReportStoreFile
	}

	if in.Report.Path == "" {
		in.Report.Path = defaultReportDir
	}
}

func fillTimeouts(t *Timeouts) {
	if t.Enumerate <= 0 {
		t.Enumerate = defaultEnumerateTimeout
	}

	if t.Query <= 0 {
		t.Query = defaultQueryTimeout
	}

	if t.Backup <= 0 {
		t.Backup = defaultBackupTimeout
	}

	if t.Flash <= 0 {
		t.Flash = defaultFlashTimeout
	}
}

func fillTools(t *Tools) {
	if t.List == "" {
		t.List = defaultListTool
	}

	if t.Info == "" {
		t.Info = defaultInfoTool
	}

	if t.Backup == "" {
		t.Backup = defaultBackupTool
	}

	if t.Restore == "" {
		t.Restore = defaultRestoreTool
	}

	if t.Mode == "" {
		t.Mode = defaultModeTool
	}
}
