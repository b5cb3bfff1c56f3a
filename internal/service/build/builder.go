package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/fwforge/internal/firmware/archive"
	"github.com/oshokin/fwforge/internal/firmware/patch"
	"github.com/oshokin/fwforge/internal/logger"
	"github.com/oshokin/fwforge/internal/metrics"
	"github.com/oshokin/fwforge/internal/signer"
	"github.com/oshokin/fwforge/internal/tracing"
)

var (
	// errDuplicateOutput is returned when two jobs of one run share an output path.
	errDuplicateOutput = errors.New("output path used by more than one job")
	// errNoJobs is returned when RunAll is called without jobs.
	errNoJobs = errors.New("no build jobs")
)

// Job is one build: a base archive, a patch table and overlays producing one artifact.
type Job struct {
	// Name labels the job in logs and errors.
	Name string
	// BaseArchive is the container to start from.
	BaseArchive string
	// Output is where the artifact is written.
	Output string
	// KernelComponent is the path of the patched image inside the archive.
	KernelComponent string
	// PatchSet is the patch table path; empty means no patches.
	PatchSet string
	// ResourceDir holds files overlaid at the same relative paths; empty means none.
	ResourceDir string
	// Credential is handed to the signer.
	Credential string
	// Retain keeps the extracted tree after the job.
	Retain bool
}

// label names the job for logs.
func (j *Job) label() string {
	if j.Name != "" {
		return j.Name
	}

	return filepath.Base(j.Output)
}

// Result describes a finished job.
type Result struct {
	// Job is the job that produced the result.
	Job Job
	// Artifact is the repacked container before signing.
	Artifact *archive.Artifact
	// Path is the final artifact location, the signed one when a signer ran.
	Path string
	// Signed is true when the signer ran.
	Signed bool
	// Manifest is the path of the written manifest.
	Manifest string
	// Report is the patch outcome for the kernel component.
	Report *patch.Report
	// Staging is the retained tree root, empty when the tree was removed.
	Staging string
}

// Builder runs build jobs. It holds no per-job state and is safe for concurrent use.
type Builder struct {
	// repacker extracts and reassembles archives.
	repacker *archive.Repacker
	// engine applies patch sets.
	engine *patch.Engine
	// signer is optional; nil skips signing.
	signer signer.Signer
	// tracer records one span per pipeline step.
	tracer trace.Tracer
	// metrics is optional; nil skips recording.
	metrics *metrics.Metrics
	// now is the clock used for manifests and durations.
	now func() time.Time
	// parallelism bounds concurrent jobs in RunAll.
	parallelism int
}

// Option configures a Builder.
type Option func(*Builder)

// WithRepacker sets the archive repacker.
func WithRepacker(r *archive.Repacker) Option {
	return func(b *Builder) {
		b.repacker = r
	}
}

// WithSigner enables the signing step.
func WithSigner(s signer.Signer) Option {
	return func(b *Builder) {
		b.signer = s
	}
}

// WithTracer sets the tracer for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Builder) {
		b.tracer = t
	}
}

// WithMetrics enables build metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) {
		b.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithParallelism bounds the number of jobs RunAll runs at once.
func WithParallelism(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.parallelism = n
		}
	}
}

// NewBuilder returns a Builder with a default repacker and a no-op tracer.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		repacker:    archive.New(),
		engine:      patch.NewEngine(),
		tracer:      tracing.Noop(),
		now:         time.Now,
		parallelism: runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// RunAll runs independent jobs concurrently and returns their results in job order.
// The first failure cancels the jobs still running; finished artifacts are kept.
func (b *Builder) RunAll(ctx context.Context, jobs []Job) ([]*Result, error) {
	if len(jobs) == 0 {
		return nil, errNoJobs
	}

	seen := make(map[string]struct{}, len(jobs))

	for _, job := range jobs {
		key := filepath.Clean(job.Output)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateOutput, job.Output)
		}

		seen[key] = struct{}{}
	}

	results := make([]*Result, len(jobs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.parallelism)

	for i, job := range jobs {
		group.Go(func() error {
			result, err := b.Build(groupCtx, job)
			if err != nil {
				return fmt.Errorf("job %s: %w", job.label(), err)
			}

			results[i] = result

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return results, err
	}

	return results, nil
}

// Build runs one job: load patches, extract, patch, overlay, repack, sign, write the manifest.
//
// The patch table is validated before the archive is touched. The extracted tree
// is removed when Build returns unless the job retains it. On failure no artifact
// or manifest is left at the output path.
func (b *Builder) Build(ctx context.Context, job Job) (*Result, error) {
	ctx = logger.WithJob(ctx, job.label())
	started := b.now()

	ctx, span := b.tracer.Start(ctx, "build", trace.WithAttributes(spanAttributes(job)...))
	defer span.End()

	result, err := b.build(ctx, job)

	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultFailure
	}

	if b.metrics != nil {
		var report *patch.Report
		if result != nil {
			report = result.Report
		}

		b.metrics.ObserveBuild(outcome, b.now().Sub(started), report)
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorKV(ctx, "Build failed", "error", err)

		return nil, err
	}

	logger.InfoKV(ctx, "Build finished",
		"artifact", result.Path,
		"digest", result.Artifact.Digest.String(),
		"patches_applied", result.Report.Applied(),
	)

	return result, nil
}

// build is Build without the metrics and logging envelope.
func (b *Builder) build(ctx context.Context, job Job) (*Result, error) {
	set, err := loadPatchSet(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("load patch set: %w", err)
	}

	mf := newManifest(job, b.now())
	result := &Result{Job: job}

	var tree *archive.Tree

	err = b.step(ctx, "extract", func(ctx context.Context) error {
		tree, err = b.repacker.Extract(ctx, job.BaseArchive)

		return err
	})
	if err != nil {
		return nil, err
	}

	if job.Retain {
		tree.Retain()
	}

	defer func() {
		kept, closeErr := tree.Close()
		if closeErr != nil {
			logger.WarnKV(ctx, "Failed to remove staging tree", "path", tree.Root(), "error", closeErr)
		}

		if kept {
			result.Staging = tree.Root()
			logger.InfoKV(ctx, "Staging tree retained", "path", tree.Root())
		}
	}()

	err = b.step(ctx, "patch", func(context.Context) error {
		result.Report, err = b.patchKernel(tree, job.KernelComponent, set, mf)

		return err
	})
	if err != nil {
		return nil, err
	}

	err = b.step(ctx, "overlay", func(context.Context) error {
		return b.overlayResources(tree, job.ResourceDir, mf)
	})
	if err != nil {
		return nil, err
	}

	err = b.step(ctx, "repack", func(ctx context.Context) error {
		result.Artifact, err = b.repacker.Repack(ctx, tree, job.Output)

		return err
	})
	if err != nil {
		return nil, err
	}

	result.Path = result.Artifact.Path

	if b.signer != nil {
		err = b.step(ctx, "sign", func(ctx context.Context) error {
			result.Path, err = b.signer.Sign(ctx, result.Artifact.Path, job.Credential)

			return err
		})
		if err != nil {
			discard(ctx, result.Artifact.Path)

			return nil, err
		}

		result.Signed = true
	}

	result.Manifest, err = mf.finish(result)
	if err != nil {
		discard(ctx, result.Artifact.Path, result.Path)

		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return result, nil
}

// step runs fn inside a span named after the pipeline step.
func (b *Builder) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, name)
	defer span.End()

	logger.DebugKV(ctx, "Build step started", "step", name)

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}

// loadPatchSet reads the job's patch table. No table yields an empty set.
func loadPatchSet(ctx context.Context, job Job) (*patch.Set, error) {
	if job.PatchSet == "" {
		return patch.NewSet(job.KernelComponent)
	}

	table, err := patch.LoadTable(job.PatchSet)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Patch table loaded",
		"path", job.PatchSet,
		"component", table.Component,
		"product_type", table.ProductType,
		"os_version", table.OSVersion,
		"patches", table.Set.Len(),
		"resolved", table.Set.Resolved(),
	)

	return table.Set, nil
}

// patchKernel applies set to the kernel component and writes it back when anything changed.
func (b *Builder) patchKernel(tree *archive.Tree, component string, set *patch.Set, m *manifest) (*patch.Report, error) {
	if set.Resolved() == 0 {
		return skippedReport(component, set), nil
	}

	data, err := tree.ReadFile(component)
	if err != nil {
		return nil, fmt.Errorf("read kernel component: %w", err)
	}

	img := patch.NewImage(component, data)

	report, err := b.engine.Apply(img, set)
	if err != nil {
		return nil, err
	}

	if report.Applied() == 0 {
		return report, nil
	}

	patched := img.Bytes()

	if err = b.repacker.Overlay(tree, component, archive.FromBytes(patched)); err != nil {
		return nil, fmt.Errorf("write back kernel component: %w", err)
	}

	m.addOverlay(component, patched)

	return report, nil
}

// skippedReport reports a set without resolved patches: every entry is skipped.
func skippedReport(component string, set *patch.Set) *patch.Report {
	report := &patch.Report{Component: component}

	for _, p := range set.Patches() {
		report.Entries = append(report.Entries, patch.Entry{
			Description: p.Description(),
			Offset:      p.Offset(),
			Skipped:     true,
		})
	}

	return report
}

// overlayResources overlays every regular file under dir, in lexical order.
func (b *Builder) overlayResources(tree *archive.Tree, dir string, m *manifest) error {
	if dir == "" {
		return nil
	}

	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("read resource %s: %w", rel, err)
		}

		if err = b.repacker.Overlay(tree, rel, archive.FromBytes(data)); err != nil {
			return err
		}

		m.addOverlay(rel, data)

		return nil
	})
}

// discard removes outputs of a failed job.
func discard(ctx context.Context, paths ...string) {
	seen := make(map[string]struct{}, len(paths))

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, ok := seen[path]; ok {
			continue
		}

		seen[path] = struct{}{}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WarnKV(ctx, "Failed to remove output of failed build", "path", path, "error", err)
		}
	}
}

// spanAttributes describes a job on its root span.
func spanAttributes(job Job) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job", job.label()),
		attribute.String("base_archive", job.BaseArchive),
		attribute.String("output", job.Output),
	}
}
