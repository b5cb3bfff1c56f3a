package archive

import (
	"bytes"
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/klauspost/compress/zip"
)

// entryMeta is the per-file archive metadata kept across extract and repack.
type entryMeta struct {
	// method is the zip compression method of the entry.
	method uint16
	// mode is the file mode recorded in the archive.
	mode fs.FileMode
}

// Tree is an extracted archive rooted at a staging directory.
// It is owned by a single build; overlays are serialized.
type Tree struct {
	// root is the staging directory.
	root string
	// source is the archive the tree was extracted from.
	source string

	// mu serializes overlays, repacks and removal.
	mu sync.Mutex
	// entries maps slash-separated file paths to archive metadata.
	entries map[string]entryMeta
	// dirs holds directories that had explicit entries in the source.
	dirs map[string]struct{}
	// retain skips removal on Close.
	retain bool
	// closed is set once the staging directory has been handled by Close.
	closed bool
}

func newTree(root, source string) *Tree {
	return &Tree{
		root:    root,
		source:  source,
		entries: make(map[string]entryMeta),
		dirs:    make(map[string]struct{}),
	}
}

// Root returns the staging directory.
func (t *Tree) Root() string { return t.root }

// Source returns the archive the tree was extracted from.
func (t *Tree) Source() string { return t.source }

// Retain keeps the staging directory on Close for post-mortem inspection.
func (t *Tree) Retain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.retain = true
}

// Close removes the staging directory unless retention was requested.
// It reports whether the directory was kept.
func (t *Tree) Close() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.retain, nil
	}

	t.closed = true

	if t.retain {
		return true, nil
	}

	if err := os.RemoveAll(t.root); err != nil {
		return false, fmt.Errorf("remove staging tree: %w", err)
	}

	return false, nil
}

// ReadFile returns the contents of rel.
func (t *Tree) ReadFile(rel string) ([]byte, error) {
	path, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

// Source provides overlay contents.
type Source interface {
	// Bytes returns the full payload.
	Bytes() ([]byte, error)
}

type bytesSource []byte

func (b bytesSource) Bytes() ([]byte, error) { return b, nil }

type fileSource string

func (f fileSource) Bytes() ([]byte, error) { return os.ReadFile(filepath.Clean(string(f))) }

// FromBytes overlays an in-memory payload.
func FromBytes(b []byte) Source { return bytesSource(b) }

// FromFile overlays the contents of a file on disk.
func FromFile(path string) Source { return fileSource(path) }

// Overlay writes or replaces the file at rel with the payload of src.
// Parent directories are created as needed and an existing file keeps its mode.
// The tree root and existing directories cannot be replaced.
// The replacement is checksum-verified and swapped in atomically.
func (t *Tree) Overlay(rel string, src Source) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return writeFailed(t.root, errTreeClosed)
	}

	target, err := t.resolve(rel)
	if err != nil {
		return writeFailed(rel, err)
	}

	if target == t.root {
		return writeFailed(rel, errNotAFile)
	}

	info, err := os.Stat(target)

	switch {
	case err == nil && !info.Mode().IsRegular():
		return writeFailed(target, errNotAFile)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return writeFailed(target, err)
	}

	exists := err == nil

	data, err := src.Bytes()
	if err != nil {
		return writeFailed(rel, fmt.Errorf("read overlay source: %w", err))
	}

	if err = os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return writeFailed(target, err)
	}

	key := filepath.ToSlash(filepath.Clean(rel))

	meta, known := t.entries[key]
	if !known {
		meta = entryMeta{method: zip.Deflate, mode: defaultFileMode}
	}

	// go-update swaps the file in by renaming the old one aside, so it must exist.
	if !exists {
		if err = os.WriteFile(target, nil, meta.mode.Perm()|ownerWrite); err != nil {
			return writeFailed(target, err)
		}
	}

	checksum := sha512.Sum512(data)

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: meta.mode.Perm() | ownerWrite,
		Checksum:   checksum[:],
		Hash:       crypto.SHA512,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return writeFailed(target, fmt.Errorf("apply overlay: %w", err))
	}

	t.entries[key] = meta

	return nil
}

// resolve maps a tree-relative path to a staging path, refusing escapes.
func (t *Tree) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(clean) || strings.HasPrefix(clean, string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, rel)
	}

	return filepath.Join(t.root, clean), nil
}
