package archive

import (
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// Repacker extracts and reassembles firmware containers.
// It holds configuration only; all build state lives in the Tree.
type Repacker struct {
	// stagingRoot is the parent directory of extraction trees.
	stagingRoot string
	// minFree is the headroom required beyond the extracted size.
	minFree uint64
	// freeSpace reports the free bytes of the volume holding a path.
	freeSpace func(path string) (uint64, error)
}

// Option configures a Repacker.
type Option func(*Repacker)

// WithStagingRoot sets the parent directory for extraction trees.
func WithStagingRoot(dir string) Option {
	return func(r *Repacker) {
		if dir != "" {
			r.stagingRoot = dir
		}
	}
}

// WithMinFreeBytes sets the free space headroom checked before extraction.
func WithMinFreeBytes(n uint64) Option {
	return func(r *Repacker) {
		r.minFree = n
	}
}

// New returns a Repacker staging under the system temp directory by default.
func New(opts ...Option) *Repacker {
	r := &Repacker{
		stagingRoot: os.TempDir(),
		freeSpace:   diskFree,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Overlay writes src into tree at rel. See Tree.Overlay.
func (r *Repacker) Overlay(tree *Tree, rel string, src Source) error {
	return tree.Overlay(rel, src)
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}

	return usage.Free, nil
}
