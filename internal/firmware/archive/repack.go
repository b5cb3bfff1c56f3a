package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
)

// Artifact describes a repacked container.
type Artifact struct {
	// Path is the final location of the container.
	Path string
	// Size is the container size in bytes.
	Size int64
	// Digest is the sha256 content digest of the container.
	Digest digest.Digest
	// Files is the number of file entries written.
	Files int
}

// repackEntry is one item of the sorted repack plan.
type repackEntry struct {
	// name is the slash-separated archive path.
	name string
	// dir marks directory entries.
	dir bool
	// meta is the archive metadata for files.
	meta entryMeta
}

// Repack assembles tree into a container at outputPath.
//
// Entries are written in sorted order with zeroed timestamps. The container is
// staged in a temporary file beside outputPath and renamed into place only
// after it is complete.
func (r *Repacker) Repack(ctx context.Context, tree *Tree, outputPath string) (*Artifact, error) {
	tree.mu.Lock()
	defer tree.mu.Unlock()

	if tree.closed {
		return nil, writeFailed(tree.root, errTreeClosed)
	}

	plan, err := tree.plan()
	if err != nil {
		return nil, writeFailed(tree.root, err)
	}

	outputDir := filepath.Dir(outputPath)
	if err = os.MkdirAll(outputDir, dirPermissions); err != nil {
		return nil, writeFailed(outputPath, err)
	}

	tmp, err := os.CreateTemp(outputDir, "."+filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return nil, writeFailed(outputPath, err)
	}

	tmpPath := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	digester := digest.Canonical.Digester()

	files, err := tree.write(ctx, io.MultiWriter(tmp, digester.Hash()), plan)
	if err != nil {
		return nil, writeFailed(outputPath, err)
	}

	if err = tmp.Sync(); err != nil {
		return nil, writeFailed(outputPath, err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return nil, writeFailed(outputPath, err)
	}

	if err = tmp.Close(); err != nil {
		return nil, writeFailed(outputPath, err)
	}

	if err = os.Rename(tmpPath, outputPath); err != nil {
		return nil, writeFailed(outputPath, err)
	}

	committed = true

	return &Artifact{
		Path:   outputPath,
		Size:   info.Size(),
		Digest: digester.Digest(),
		Files:  files,
	}, nil
}

// plan lists every file of the tree plus the directories that need explicit entries, sorted by name.
func (t *Tree) plan() ([]repackEntry, error) {
	var plan []repackEntry

	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if path == t.root {
			return nil
		}

		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}

		name := filepath.ToSlash(rel)

		if d.IsDir() {
			if _, explicit := t.dirs[name]; explicit || isEmptyDir(path) {
				plan = append(plan, repackEntry{name: name + "/", dir: true})
			}

			return nil
		}

		meta, known := t.entries[name]
		if !known {
			info, err := d.Info()
			if err != nil {
				return err
			}

			meta = entryMeta{method: zip.Deflate, mode: info.Mode().Perm()}
		}

		plan = append(plan, repackEntry{name: name, meta: meta})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk staging tree: %w", err)
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].name < plan[j].name })

	return plan, nil
}

// write streams the planned entries as a zip archive to w and returns the number of files written.
func (t *Tree) write(ctx context.Context, w io.Writer, plan []repackEntry) (int, error) {
	zw := zip.NewWriter(w)
	files := 0

	for _, entry := range plan {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		header := &zip.FileHeader{Name: entry.name}

		if entry.dir {
			header.Method = zip.Store
			header.SetMode(fs.ModeDir | dirPermissions)

			if _, err := zw.CreateHeader(header); err != nil {
				return files, fmt.Errorf("write %s: %w", entry.name, err)
			}

			continue
		}

		header.Method = entry.meta.method
		header.SetMode(entry.meta.mode)

		if err := t.copyEntry(zw, header); err != nil {
			return files, err
		}

		files++
	}

	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("finish archive: %w", err)
	}

	return files, nil
}

func (t *Tree) copyEntry(zw *zip.Writer, header *zip.FileHeader) error {
	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("write %s: %w", header.Name, err)
	}

	src, err := os.Open(filepath.Join(t.root, filepath.FromSlash(header.Name)))
	if err != nil {
		return err
	}

	defer func() {
		_ = src.Close()
	}()

	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", header.Name, err)
	}

	return nil
}

func isEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)

	return err == nil && len(entries) == 0
}
