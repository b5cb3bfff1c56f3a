package build

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/firmware/archive"
	"github.com/oshokin/fwforge/internal/logger"
	"github.com/oshokin/fwforge/internal/metrics"
	"github.com/oshokin/fwforge/internal/signer"
	"github.com/oshokin/fwforge/internal/tracing"
)

// Options contains inputs for the build entry point. Non-empty fields override the config file.
type Options struct {
	// ConfigPath is the settings file (defaults to fwforge.yaml).
	ConfigPath string
	// LogLevel overrides log_level.
	LogLevel string
	// BaseArchive overrides build.base_archive.
	BaseArchive string
	// Output overrides build.output.
	Output string
	// PatchSet overrides build.patch_set.
	PatchSet string
	// ResourceDir overrides build.resource_dir.
	ResourceDir string
	// RetainStaging keeps extracted trees.
	RetainStaging bool
	// Trace exports pipeline spans to stderr.
	Trace bool
}

// Run executes the build workflow described by the config and overrides.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "fwforge-build")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	if err = logger.SetLevelFromString(cfg.LogLevel); err != nil {
		return err
	}

	opts.apply(&cfg.Build)

	if err = config.ValidateBuild(&cfg.Build); err != nil {
		return err
	}

	builderOpts := []Option{
		WithRepacker(archive.New(
			archive.WithStagingRoot(cfg.Build.StagingRoot),
			archive.WithMinFreeBytes(cfg.Build.MinFreeBytes),
		)),
	}

	m := metrics.New()
	builderOpts = append(builderOpts, WithMetrics(m))

	if cfg.Build.Signer.Command != "" {
		builderOpts = append(builderOpts, WithSigner(signer.NewCommand(cfg.Build.Signer.Command, cfg.Build.Signer.Timeout)))
	}

	if cfg.Build.Trace {
		provider, providerErr := tracing.New(os.Stderr, "fwforge-build")
		if providerErr != nil {
			return providerErr
		}

		defer func() {
			if shutdownErr := provider.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
				logger.WarnKV(ctx, "Failed to flush spans", "error", shutdownErr)
			}
		}()

		builderOpts = append(builderOpts, WithTracer(provider.Tracer()))
	}

	jobs := JobsFromConfig(&cfg.Build)

	logger.InfoKV(ctx, "Starting build", "base_archive", cfg.Build.BaseArchive, "jobs", len(jobs))

	results, err := NewBuilder(builderOpts...).RunAll(ctx, jobs)

	if cfg.Build.MetricsTextfile != "" {
		err = errors.Join(err, m.WriteTextfile(cfg.Build.MetricsTextfile))
	}

	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	printSummary(ctx, results)

	return nil
}

// JobsFromConfig expands a build section into jobs, one per variant or a single job without variants.
func JobsFromConfig(b *config.Build) []Job {
	base := Job{
		BaseArchive:     b.BaseArchive,
		Output:          b.Output,
		KernelComponent: b.KernelComponent,
		PatchSet:        b.PatchSet,
		ResourceDir:     b.ResourceDir,
		Credential:      b.Signer.Credential,
		Retain:          b.RetainStaging,
	}

	if len(b.Variants) == 0 {
		return []Job{base}
	}

	jobs := make([]Job, 0, len(b.Variants))

	for _, v := range b.Variants {
		job := base
		job.Name = v.Name
		job.Output = v.Output

		if v.PatchSet != "" {
			job.PatchSet = v.PatchSet
		}

		if v.ResourceDir != "" {
			job.ResourceDir = v.ResourceDir
		}

		jobs = append(jobs, job)
	}

	return jobs
}

// apply copies non-empty overrides into the build section.
func (o *Options) apply(b *config.Build) {
	if o.BaseArchive != "" {
		b.BaseArchive = o.BaseArchive
	}

	if o.Output != "" {
		b.Output = o.Output
		b.Variants = nil
	}

	if o.PatchSet != "" {
		b.PatchSet = o.PatchSet
	}

	if o.ResourceDir != "" {
		b.ResourceDir = o.ResourceDir
	}

	if o.RetainStaging {
		b.RetainStaging = true
	}

	if o.Trace {
		b.Trace = true
	}
}

// printSummary logs where every artifact and manifest went.
func printSummary(ctx context.Context, results []*Result) {
	for _, r := range results {
		fields := []any{
			"job", r.Job.label(),
			"artifact", r.Path,
			"manifest", r.Manifest,
			"digest", r.Artifact.Digest.String(),
			"patches_applied", r.Report.Applied(),
			"patches_total", len(r.Report.Entries),
		}

		if r.Staging != "" {
			fields = append(fields, "staging", r.Staging)
		}

		logger.InfoKV(ctx, "Artifact ready", fields...)
	}
}
