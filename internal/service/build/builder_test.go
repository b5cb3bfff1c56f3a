package build

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/firmware/archive"
	"github.com/oshokin/fwforge/internal/firmware/patch"
	"github.com/oshokin/fwforge/internal/metrics"
	"github.com/oshokin/fwforge/internal/signer"
)

const kernelPath = "kernelcache.release.n94"

var kernel = []byte{0x00, 0x01, 0x02, 0x03, 0xde, 0xad, 0xbe, 0xef, 0x08, 0x09}

const singlePatchTable = `
component: kernelcache
target:
  product_type: iPhone4,1
  os_version: "9.3.5"
patches:
  - description: skip signature check
    offset: 0x4
    original: "deadbeef"
    patched: "1f2003d5"
`

const placeholderTable = `
component: kernelcache
patches:
  - description: unverified sandbox hook
    offset: 0x1000
    original: "00"
    patched: "01"
    unresolved: true
`

const overlappingTable = `
component: kernelcache
patches:
  - description: first
    offset: 0
    original: "0001"
    patched: "ffff"
  - description: second
    offset: 1
    original: "0102"
    patched: "ffff"
`

const mismatchTable = `
component: kernelcache
patches:
  - description: wrong original bytes
    offset: 0x4
    original: "cafebabe"
    patched: "00000000"
`

// fixture is a workspace with a base archive and a staging root.
type fixture struct {
	dir     string
	base    string
	staging string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		base:    filepath.Join(dir, "base.ipsw"),
		staging: filepath.Join(dir, "staging"),
	}

	require.NoError(t, os.Mkdir(f.staging, 0o755))

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, data := range map[string][]byte{
		kernelPath:           kernel,
		"Restore.plist":      []byte("<plist/>"),
		"Firmware/all_flash": []byte("llb"),
	} {
		header := &zip.FileHeader{Name: name, Method: zip.Deflate}
		header.SetMode(0o644)

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(f.base, buf.Bytes(), 0o600))

	return f
}

// writeFile writes contents under the fixture directory and returns the path.
func (f *fixture) writeFile(t *testing.T, rel, contents string) string {
	t.Helper()

	path := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

// job returns a job building into out.ipsw.
func (f *fixture) job(patchSet string) Job {
	return Job{
		BaseArchive:     f.base,
		Output:          filepath.Join(f.dir, "out.ipsw"),
		KernelComponent: kernelPath,
		PatchSet:        patchSet,
	}
}

// builder returns a Builder staging under the fixture.
func (f *fixture) builder(opts ...Option) *Builder {
	opts = append([]Option{
		WithRepacker(archive.New(archive.WithStagingRoot(f.staging))),
		WithClock(func() time.Time { return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC) }),
	}, opts...)

	return NewBuilder(opts...)
}

// stagingEntries lists what is left in the staging root.
func (f *fixture) stagingEntries(t *testing.T) []os.DirEntry {
	t.Helper()

	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)

	return entries
}

// readEntry returns one entry of a container.
func readEntry(t *testing.T, path, name string) []byte {
	t.Helper()

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)

	defer func() { require.NoError(t, reader.Close()) }()

	for _, file := range reader.File {
		if file.Name != name {
			continue
		}

		rc, err := file.Open()
		require.NoError(t, err)

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		return data
	}

	t.Fatalf("entry %s not found in %s", name, path)

	return nil
}

// stubSigner records calls and delegates to sign.
type stubSigner struct {
	mu    sync.Mutex
	calls []string
	sign  func(artifactPath string) (string, error)
}

func (s *stubSigner) Sign(_ context.Context, artifactPath, credential string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, artifactPath+" "+credential)
	s.mu.Unlock()

	return s.sign(artifactPath)
}

// counterValue reads one series of a counter vector from the registry.
func counterValue(t *testing.T, reg prometheus.Gatherer, name, label string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}

	return 0
}

// TestBuild_AppliesPatchesAndWritesManifest runs the whole pipeline once.
func TestBuild_AppliesPatchesAndWritesManifest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	table := f.writeFile(t, "patches.yaml", singlePatchTable)
	m := metrics.New()

	result, err := f.builder(WithMetrics(m)).Build(context.Background(), f.job(table))
	require.NoError(t, err)

	patched := readEntry(t, result.Path, kernelPath)
	require.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x1f, 0x20, 0x03, 0xd5, 0x08, 0x09}, patched)
	require.Equal(t, []byte("llb"), readEntry(t, result.Path, "Firmware/all_flash"))

	require.Equal(t, 1, result.Report.Applied())
	require.False(t, result.Signed)
	require.Empty(t, result.Staging)
	require.Empty(t, f.stagingEntries(t))

	require.Equal(t, ManifestPath(result.Path), result.Manifest)

	manifest, err := LoadManifest(result.Manifest)
	require.NoError(t, err)
	require.Equal(t, result.Artifact.Digest, manifest.Digest)
	require.Equal(t, result.Artifact.Size, manifest.Size)
	require.Equal(t, f.base, manifest.BaseArchive)
	require.Equal(t, checksum(patched), manifest.Overlays[kernelPath])
	require.Len(t, manifest.Patches.Entries, 1)
	require.True(t, manifest.Patches.Entries[0].Applied)

	contents, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(contents), result.Artifact.Digest)

	require.InDelta(t, 1, counterValue(t, m.Registry(), "fwforge_build_total", metrics.ResultSuccess), 0)
	require.InDelta(t, 1, counterValue(t, m.Registry(), "fwforge_patch_entries_total", "applied"), 0)
}

// TestBuild_EmptyOrPlaceholderSetIsNoop leaves the kernel untouched.
func TestBuild_EmptyOrPlaceholderSetIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	placeholders := f.writeFile(t, "placeholders.yaml", placeholderTable)

	for _, table := range []string{"", placeholders} {
		result, err := f.builder().Build(context.Background(), f.job(table))
		require.NoError(t, err)

		require.Equal(t, kernel, readEntry(t, result.Path, kernelPath))
		require.Zero(t, result.Report.Applied())

		for _, entry := range result.Report.Entries {
			require.True(t, entry.Skipped)
		}

		manifest, err := LoadManifest(result.Manifest)
		require.NoError(t, err)
		require.Empty(t, manifest.Overlays)
	}
}

// TestBuild_InvalidTableFailsBeforeExtract never touches the archive.
func TestBuild_InvalidTableFailsBeforeExtract(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	table := f.writeFile(t, "overlap.yaml", overlappingTable)
	job := f.job(table)

	_, err := f.builder().Build(context.Background(), job)
	require.ErrorIs(t, err, patch.ErrValidation)
	require.NoFileExists(t, job.Output)
	require.Empty(t, f.stagingEntries(t))
}

// TestBuild_VerificationFailureLeavesNoOutput aborts on mismatched original bytes.
func TestBuild_VerificationFailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	table := f.writeFile(t, "mismatch.yaml", mismatchTable)
	job := f.job(table)
	m := metrics.New()

	_, err := f.builder(WithMetrics(m)).Build(context.Background(), job)
	require.ErrorIs(t, err, patch.ErrVerification)

	var verr *patch.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, uint64(4), verr.Offset)

	require.NoFileExists(t, job.Output)
	require.NoFileExists(t, ManifestPath(job.Output))
	require.Empty(t, f.stagingEntries(t))
	require.InDelta(t, 1, counterValue(t, m.Registry(), "fwforge_build_total", metrics.ResultFailure), 0)
}

// TestBuild_MissingArchive reports the archive error.
func TestBuild_MissingArchive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.job("")
	job.BaseArchive = filepath.Join(f.dir, "missing.ipsw")

	_, err := f.builder().Build(context.Background(), job)
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoFileExists(t, job.Output)
}

// TestBuild_OverlaysResources adds and replaces files from the resource directory.
func TestBuild_OverlaysResources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeFile(t, "resources/Firmware/all_flash", "patched llb")
	f.writeFile(t, "resources/System/Library/LaunchDaemons/com.example.plist", "<plist/>")

	job := f.job("")
	job.ResourceDir = filepath.Join(f.dir, "resources")

	result, err := f.builder().Build(context.Background(), job)
	require.NoError(t, err)

	require.Equal(t, []byte("patched llb"), readEntry(t, result.Path, "Firmware/all_flash"))
	require.Equal(t, []byte("<plist/>"), readEntry(t, result.Path, "System/Library/LaunchDaemons/com.example.plist"))

	manifest, err := LoadManifest(result.Manifest)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"Firmware/all_flash":                             checksum([]byte("patched llb")),
		"System/Library/LaunchDaemons/com.example.plist": checksum([]byte("<plist/>")),
	}, manifest.Overlays)
}

// TestBuild_ResourceCollidingWithDirectoryFails refuses to replace an archive directory.
func TestBuild_ResourceCollidingWithDirectoryFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeFile(t, "resources/Firmware", "not a directory")

	job := f.job("")
	job.ResourceDir = filepath.Join(f.dir, "resources")

	_, err := f.builder().Build(context.Background(), job)
	require.ErrorIs(t, err, archive.ErrWriteFailed)
	require.NoFileExists(t, job.Output)
	require.Empty(t, f.stagingEntries(t))
}

// TestBuild_RetainKeepsStaging leaves the tree for inspection.
func TestBuild_RetainKeepsStaging(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.job("")
	job.Retain = true

	result, err := f.builder().Build(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, result.Staging)
	require.FileExists(t, filepath.Join(result.Staging, kernelPath))
}

// TestBuild_Signing covers signing to a new path and signer failure.
func TestBuild_Signing(t *testing.T) {
	t.Parallel()

	t.Run("new path", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		signedPath := filepath.Join(f.dir, "out-signed.ipsw")
		s := &stubSigner{sign: func(artifactPath string) (string, error) {
			contents, err := os.ReadFile(artifactPath)
			if err != nil {
				return "", err
			}

			return signedPath, os.WriteFile(signedPath, append(contents, "sig"...), 0o600)
		}}

		job := f.job("")
		job.Credential = "keychain:release"

		result, err := f.builder(WithSigner(s)).Build(context.Background(), job)
		require.NoError(t, err)
		require.Equal(t, []string{job.Output + " keychain:release"}, s.calls)
		require.True(t, result.Signed)
		require.Equal(t, signedPath, result.Path)
		require.Equal(t, ManifestPath(signedPath), result.Manifest)

		signed, err := os.ReadFile(signedPath)
		require.NoError(t, err)

		manifest, err := LoadManifest(result.Manifest)
		require.NoError(t, err)
		require.True(t, manifest.Signed)
		require.Equal(t, digest.FromBytes(signed), manifest.Digest)
		require.Equal(t, int64(len(signed)), manifest.Size)
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := &stubSigner{sign: func(string) (string, error) {
			return "", &signer.SigningError{Command: "sign-ipsw", Output: "expired", Err: errors.New("exit status 1")}
		}}

		job := f.job("")

		_, err := f.builder(WithSigner(s)).Build(context.Background(), job)
		require.ErrorIs(t, err, signer.ErrSigning)
		require.NoFileExists(t, job.Output)
		require.NoFileExists(t, ManifestPath(job.Output))
	})
}

// TestRunAll builds variants in parallel and rejects shared outputs.
func TestRunAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	table := f.writeFile(t, "patches.yaml", singlePatchTable)

	plain := f.job("")
	plain.Name = "plain"
	plain.Output = filepath.Join(f.dir, "plain.ipsw")

	patched := f.job(table)
	patched.Name = "patched"
	patched.Output = filepath.Join(f.dir, "patched.ipsw")

	b := f.builder(WithParallelism(2))

	results, err := b.RunAll(context.Background(), []Job{plain, patched})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "plain", results[0].Job.Name)
	require.Zero(t, results[0].Report.Applied())
	require.Equal(t, 1, results[1].Report.Applied())
	require.NotEqual(t, results[0].Artifact.Digest, results[1].Artifact.Digest)

	_, err = b.RunAll(context.Background(), []Job{plain, plain})
	require.ErrorIs(t, err, errDuplicateOutput)

	_, err = b.RunAll(context.Background(), nil)
	require.ErrorIs(t, err, errNoJobs)
}

// TestRunAll_FailureIsReported names the failing job.
func TestRunAll_FailureIsReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	table := f.writeFile(t, "mismatch.yaml", mismatchTable)

	bad := f.job(table)
	bad.Name = "bad"

	_, err := f.builder().RunAll(context.Background(), []Job{bad})
	require.ErrorIs(t, err, patch.ErrVerification)
	require.ErrorContains(t, err, "job bad")
}

// TestJobsFromConfig expands variants over the shared build section.
func TestJobsFromConfig(t *testing.T) {
	t.Parallel()

	b := &config.Build{
		BaseArchive:     "base.ipsw",
		Output:          "out.ipsw",
		KernelComponent: kernelPath,
		PatchSet:        "default.yaml",
		ResourceDir:     "resources",
		Signer:          config.Signer{Credential: "cred"},
	}

	jobs := JobsFromConfig(b)
	require.Len(t, jobs, 1)
	require.Equal(t, "out.ipsw", jobs[0].Output)
	require.Equal(t, "cred", jobs[0].Credential)

	b.Variants = []config.Variant{
		{Name: "jailbreak", Output: "jb.ipsw", PatchSet: "jb.yaml"},
		{Name: "stock", Output: "stock.ipsw", ResourceDir: "stock-resources"},
	}

	jobs = JobsFromConfig(b)
	require.Len(t, jobs, 2)
	require.Equal(t, Job{
		Name:            "jailbreak",
		BaseArchive:     "base.ipsw",
		Output:          "jb.ipsw",
		KernelComponent: kernelPath,
		PatchSet:        "jb.yaml",
		ResourceDir:     "resources",
		Credential:      "cred",
	}, jobs[0])
	require.Equal(t, "default.yaml", jobs[1].PatchSet)
	require.Equal(t, "stock-resources", jobs[1].ResourceDir)
}

// TestRun builds from a config file and writes the metrics textfile.
func TestRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	textfile := filepath.Join(f.dir, "build.prom")
	cfgPath := filepath.Join(f.dir, "fwforge.yaml")

	cfg := &config.Config{Build: config.Build{
		BaseArchive:     f.base,
		Output:          filepath.Join(f.dir, "from-config.ipsw"),
		StagingRoot:     f.staging,
		MetricsTextfile: textfile,
	}}
	require.NoError(t, config.Save(cfgPath, cfg))

	override := filepath.Join(f.dir, "override.ipsw")

	err := Run(context.Background(), &Options{ConfigPath: cfgPath, Output: override})
	require.NoError(t, err)
	require.FileExists(t, override)
	require.FileExists(t, ManifestPath(override))
	require.NoFileExists(t, cfg.Build.Output)

	prom, err := os.ReadFile(textfile)
	require.NoError(t, err)
	require.Contains(t, string(prom), `fwforge_build_total{result="success"} 1`)
}
