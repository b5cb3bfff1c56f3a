package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	// stagingDirPattern names extraction trees under the staging root.
	stagingDirPattern = "fwforge-tree-"
	// dirPermissions is used for every staging directory.
	dirPermissions = 0o755
	// ownerWrite keeps staged files writable for overlays.
	ownerWrite = 0o600
	// defaultFileMode is used for entries without permission bits.
	defaultFileMode = 0o644
)

// Extract unpacks archivePath into a fresh staging tree owned by the caller.
// The tree must be closed by the caller once the build finishes.
func (r *Repacker) Extract(ctx context.Context, archivePath string) (*Tree, error) {
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(archivePath, err)
		}

		return nil, writeFailed(archivePath, err)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, corrupt(archivePath, err)
	}

	defer func() {
		_ = reader.Close()
	}()

	if err = r.ensureSpace(reader.File); err != nil {
		return nil, writeFailed(r.stagingRoot, err)
	}

	if err = os.MkdirAll(r.stagingRoot, dirPermissions); err != nil {
		return nil, writeFailed(r.stagingRoot, err)
	}

	root, err := os.MkdirTemp(r.stagingRoot, stagingDirPattern)
	if err != nil {
		return nil, writeFailed(r.stagingRoot, err)
	}

	tree := newTree(root, archivePath)

	for _, file := range reader.File {
		if err = ctx.Err(); err != nil {
			break
		}

		if err = tree.extractEntry(file); err != nil {
			break
		}
	}

	if err != nil {
		_ = os.RemoveAll(root)

		var archiveErr *Error
		if errors.As(err, &archiveErr) {
			return nil, err
		}

		return nil, writeFailed(archivePath, err)
	}

	return tree, nil
}

// ensureSpace compares the uncompressed size plus headroom with the free space of the staging volume.
func (r *Repacker) ensureSpace(files []*zip.File) error {
	if r.freeSpace == nil {
		return nil
	}

	var needed uint64
	for _, f := range files {
		needed += f.UncompressedSize64
	}

	needed += r.minFree

	probe := r.stagingRoot
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}

		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}

		probe = parent
	}

	free, err := r.freeSpace(probe)
	if err != nil {
		return fmt.Errorf("query free space: %w", err)
	}

	if free < needed {
		return fmt.Errorf("%w: need %d bytes, have %d", errInsufficientSpace, needed, free)
	}

	return nil
}

// extractEntry writes one archive entry below the tree root and records its metadata.
func (t *Tree) extractEntry(file *zip.File) error {
	name := strings.TrimSuffix(file.Name, "/")
	if name == "" {
		return nil
	}

	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return corrupt(t.source, fmt.Errorf("%w: %s", errUnsafePath, file.Name))
	}

	// Metadata is keyed by the walked path on repack, so names must already be clean.
	if path.Clean(name) != name {
		return corrupt(t.source, fmt.Errorf("%w: %s", errNonCanonicalName, file.Name))
	}

	if _, seen := t.entries[name]; seen {
		return corrupt(t.source, fmt.Errorf("%w: %s", errDuplicateEntry, file.Name))
	}

	target := filepath.Join(t.root, filepath.FromSlash(name))

	if file.FileInfo().IsDir() {
		t.dirs[name] = struct{}{}

		return os.MkdirAll(target, dirPermissions)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return err
	}

	mode := file.Mode()
	if mode.Perm() == 0 {
		mode |= defaultFileMode
	}

	src, err := file.Open()
	if err != nil {
		return corrupt(t.source, fmt.Errorf("open %s: %w", file.Name, err))
	}

	defer func() {
		_ = src.Close()
	}()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|ownerWrite)
	if err != nil {
		return err
	}

	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()

		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corrupt(t.source, fmt.Errorf("read %s: %w", file.Name, err))
		}

		return err
	}

	if err = dst.Close(); err != nil {
		return err
	}

	t.entries[name] = entryMeta{method: file.Method, mode: mode}

	return nil
}
