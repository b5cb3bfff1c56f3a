package build

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fwforge/internal/firmware/patch"
	"github.com/oshokin/fwforge/internal/version"

	// Ensure SHA512 available for overlay checksums.
	_ "crypto/sha512"
)

const (
	// ManifestSuffix is appended to the artifact path to name its manifest.
	ManifestSuffix = ".manifest.yaml"

	// manifestFileMode is the permission of written manifests.
	manifestFileMode os.FileMode = 0o644

	// checksumFunction hashes overlaid files.
	checksumFunction crypto.Hash = crypto.SHA512
)

// Manifest is the sidecar describing how an artifact was produced.
type Manifest struct {
	// Tool identifies the producing binary and version.
	Tool string `yaml:"tool"`
	// Job is the job label.
	Job string `yaml:"job"`
	// BaseArchive is the source container.
	BaseArchive string `yaml:"base_archive"`
	// Artifact is the final artifact path.
	Artifact string `yaml:"artifact"`
	// Size is the final artifact size in bytes.
	Size int64 `yaml:"size"`
	// Digest is the content digest of the final artifact.
	Digest digest.Digest `yaml:"digest"`
	// Signed is true when the signer ran.
	Signed bool `yaml:"signed"`
	// BuiltAt is when the job started.
	BuiltAt time.Time `yaml:"built_at"`
	// Overlays maps archive paths to base64 SHA-512 of the bytes written there.
	Overlays map[string]string `yaml:"overlays"`
	// Patches is the kernel patch report.
	Patches *patch.Report `yaml:"patches"`
}

// ManifestPath returns the manifest location for an artifact.
func ManifestPath(artifactPath string) string {
	return artifactPath + ManifestSuffix
}

// LoadManifest reads a manifest written by a build.
func LoadManifest(path string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err = yaml.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return &m, nil
}

// manifest accumulates a Manifest while a job runs.
type manifest struct {
	mu   sync.Mutex
	data Manifest
}

// newManifest starts the manifest of job.
func newManifest(job Job, builtAt time.Time) *manifest {
	return &manifest{
		data: Manifest{
			Tool:        version.Tool(),
			Job:         job.label(),
			BaseArchive: job.BaseArchive,
			BuiltAt:     builtAt.UTC(),
			Overlays:    make(map[string]string),
		},
	}
}

// addOverlay records the checksum of contents written at rel.
func (m *manifest) addOverlay(rel string, contents []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.Overlays[rel] = checksum(contents)
}

// finish completes the manifest from result and writes it beside the final artifact.
func (m *manifest) finish(result *Result) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.Artifact = result.Path
	m.data.Patches = result.Report
	m.data.Signed = result.Signed
	m.data.Size = result.Artifact.Size
	m.data.Digest = result.Artifact.Digest

	// The signer may rewrite the artifact in place or write it elsewhere.
	if result.Signed {
		if err := m.describeFile(result.Path); err != nil {
			return "", err
		}
	}

	contents, err := yaml.Marshal(&m.data)
	if err != nil {
		return "", err
	}

	path := ManifestPath(result.Path)

	if err = os.WriteFile(path, contents, manifestFileMode); err != nil {
		return "", err
	}

	return path, nil
}

// describeFile fills size and digest from the file at path.
func (m *manifest) describeFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open signed artifact: %w", err)
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat signed artifact: %w", err)
	}

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return fmt.Errorf("digest signed artifact: %w", err)
	}

	m.data.Size = info.Size()
	m.data.Digest = d

	return nil
}

// checksum returns the base64 SHA-512 of contents.
func checksum(contents []byte) string {
	hasher := checksumFunction.New()
	_, _ = hasher.Write(contents)

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil))
}
