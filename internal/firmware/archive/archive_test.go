package archive

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

// testEntry describes one entry of a generated container.
type testEntry struct {
	name   string
	data   []byte
	method uint16
}

func writeContainer(t *testing.T, path string, entries ...testEntry) {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		header := &zip.FileHeader{Name: e.name, Method: e.method}
		if e.name[len(e.name)-1] == '/' {
			header.SetMode(fs.ModeDir | 0o755)
		} else {
			header.SetMode(0o644)
		}

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		if len(e.data) > 0 {
			_, err = w.Write(e.data)
			require.NoError(t, err)
		}
	}

	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

// readContainer returns entry name to contents, directories mapped to nil.
func readContainer(t *testing.T, path string) (map[string][]byte, map[string]uint16) {
	t.Helper()

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)

	defer func() {
		_ = reader.Close()
	}()

	contents := make(map[string][]byte)
	methods := make(map[string]uint16)

	for _, f := range reader.File {
		methods[f.Name] = f.Method

		if f.FileInfo().IsDir() {
			contents[f.Name] = nil

			continue
		}

		rc, err := f.Open()
		require.NoError(t, err)

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		contents[f.Name] = data
	}

	return contents, methods
}

func newTestRepacker(t *testing.T) *Repacker {
	t.Helper()

	r := New(WithStagingRoot(filepath.Join(t.TempDir(), "staging")))
	r.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }

	return r
}

func sampleContainer(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "base.ipsw")
	writeContainer(t, path,
		testEntry{name: "kernelcache", data: bytes.Repeat([]byte{0xAA, 0xBB}, 512), method: zip.Deflate},
		testEntry{name: "Firmware/", method: zip.Store},
		testEntry{name: "Firmware/iBoot.bin", data: []byte("iboot"), method: zip.Store},
		testEntry{name: "Empty/", method: zip.Store},
		testEntry{name: "Restore.plist", data: []byte(restorePlist), method: zip.Deflate},
	)

	return path
}

const restorePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>ProductVersion</key>
	<string>9.3.5</string>
	<key>ProductBuildVersion</key>
	<string>13G36</string>
	<key>SupportedProductTypes</key>
	<array>
		<string>iPad2,1</string>
		<string>iPad2,2</string>
	</array>
</dict>
</plist>
`

// TestRepack_UntouchedTreeRoundTrips checks listing, contents and methods survive extract and repack.
func TestRepack_UntouchedTreeRoundTrips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := sampleContainer(t)
	r := newTestRepacker(t)

	tree, err := r.Extract(ctx, base)
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = tree.Close() })

	out := filepath.Join(t.TempDir(), "out", "custom.ipsw")

	artifact, err := r.Repack(ctx, tree, out)
	require.NoError(t, err)
	require.Equal(t, out, artifact.Path)
	require.Equal(t, 3, artifact.Files)

	wantContents, wantMethods := readContainer(t, base)
	gotContents, gotMethods := readContainer(t, out)
	require.Equal(t, wantContents, gotContents)
	require.Equal(t, wantMethods, gotMethods)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(data), artifact.Digest)
	require.Equal(t, int64(len(data)), artifact.Size)
}

// TestRepack_IsDeterministic checks the same tree yields byte-identical containers.
func TestRepack_IsDeterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRepacker(t)

	tree, err := r.Extract(ctx, sampleContainer(t))
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = tree.Close() })

	dir := t.TempDir()

	first, err := r.Repack(ctx, tree, filepath.Join(dir, "a.ipsw"))
	require.NoError(t, err)

	second, err := r.Repack(ctx, tree, filepath.Join(dir, "b.ipsw"))
	require.NoError(t, err)

	require.Equal(t, first.Digest, second.Digest)
}

// TestRepack_EntriesAreSorted checks entry order does not depend on the source order.
func TestRepack_EntriesAreSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "base.ipsw")
	writeContainer(t, base,
		testEntry{name: "z.bin", data: []byte("z"), method: zip.Deflate},
		testEntry{name: "a.bin", data: []byte("a"), method: zip.Deflate},
		testEntry{name: "m/n.bin", data: []byte("n"), method: zip.Store},
	)

	r := newTestRepacker(t)

	tree, err := r.Extract(ctx, base)
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = tree.Close() })

	out := filepath.Join(t.TempDir(), "out.ipsw")
	_, err = r.Repack(ctx, tree, out)
	require.NoError(t, err)

	reader, err := zip.OpenReader(out)
	require.NoError(t, err)

	defer func() {
		_ = reader.Close()
	}()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
		require.True(t, f.Modified.IsZero() || f.Modified.Year() <= 1980, f.Name)
	}

	require.True(t, sort.StringsAreSorted(names), names)
	require.Equal(t, []string{"a.bin", "m/n.bin", "z.bin"}, names)
}

// TestOverlay_ReplacesAndAdds checks overlays land in the repacked container.
func TestOverlay_ReplacesAndAdds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRepacker(t)

	tree, err := r.Extract(ctx, sampleContainer(t))
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = tree.Close() })

	require.NoError(t, r.Overlay(tree, "kernelcache", FromBytes([]byte("patched"))))

	extra := filepath.Join(t.TempDir(), "logo.png")
	require.NoError(t, os.WriteFile(extra, []byte("png"), 0o600))
	require.NoError(t, r.Overlay(tree, "Resources/Images/logo.png", FromFile(extra)))

	got, err := tree.ReadFile("kernelcache")
	require.NoError(t, err)
	require.Equal(t, []byte("patched"), got)

	out := filepath.Join(t.TempDir(), "out.ipsw")
	artifact, err := r.Repack(ctx, tree, out)
	require.NoError(t, err)
	require.Equal(t, 4, artifact.Files)

	contents, methods := readContainer(t, out)
	require.Equal(t, []byte("patched"), contents["kernelcache"])
	require.Equal(t, zip.Deflate, methods["kernelcache"])
	require.Equal(t, []byte("png"), contents["Resources/Images/logo.png"])
	require.Equal(t, []byte("iboot"), contents["Firmware/iBoot.bin"])
	require.NotContains(t, contents, "Resources/")
}

// TestOverlay_RejectsEscapingPaths checks overlays stay inside the tree.
func TestOverlay_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	r := newTestRepacker(t)

	tree, err := r.Extract(context.Background(), sampleContainer(t))
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = tree.Close() })

	for _, rel := range []string{"../evil", "/etc/passwd", "a/../../evil"} {
		err = tree.Overlay(rel, FromBytes([]byte("x")))
		require.ErrorIs(t, err, ErrWriteFailed, rel)
		require.ErrorIs(t, err, errUnsafePath, rel)
	}
}

// TestOverlay_RejectsDirectories keeps the root and existing directories intact.
func TestOverlay_RejectsDirectories(t *testing.T) {
	t.Parallel()

	r := newTestRepacker(t)
	staging := r.stagingRoot

	tree, err := r.Extract(context.Background(), sampleContainer(t))
	require.NoError(t, err)

	for _, rel := range []string{".", "", "Firmware", "Firmware/", "Empty"} {
		err = tree.Overlay(rel, FromBytes([]byte("clobber")))
		require.ErrorIs(t, err, ErrWriteFailed, rel)
		require.ErrorIs(t, err, errNotAFile, rel)
	}

	out := filepath.Join(t.TempDir(), "out.ipsw")
	_, err = r.Repack(context.Background(), tree, out)
	require.NoError(t, err)

	contents, _ := readContainer(t, out)
	require.Equal(t, []byte("iboot"), contents["Firmware/iBoot.bin"])
	require.Contains(t, contents, "Empty/")
	require.Len(t, contents, 5)

	_, err = tree.Close()
	require.NoError(t, err)

	leftovers, err := os.ReadDir(staging)
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

// TestExtract_RejectsNonCanonicalNames refuses names that would not survive a round trip.
func TestExtract_RejectsNonCanonicalNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []testEntry
		want    error
	}{
		{
			name:    "dot prefix",
			entries: []testEntry{{name: "./kernelcache", data: []byte("k"), method: zip.Deflate}},
			want:    errNonCanonicalName,
		},
		{
			name:    "inner parent",
			entries: []testEntry{{name: "Firmware/all_flash/../iBoot", data: []byte("i"), method: zip.Store}},
			want:    errNonCanonicalName,
		},
		{
			name:    "double slash",
			entries: []testEntry{{name: "Firmware//iBoot", data: []byte("i"), method: zip.Store}},
			want:    errNonCanonicalName,
		},
		{
			name: "duplicate",
			entries: []testEntry{
				{name: "kernelcache", data: []byte("a"), method: zip.Store},
				{name: "kernelcache", data: []byte("b"), method: zip.Deflate},
			},
			want: errDuplicateEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := filepath.Join(t.TempDir(), "odd.ipsw")
			writeContainer(t, src, tt.entries...)

			r := newTestRepacker(t)

			tree, err := r.Extract(context.Background(), src)
			require.Nil(t, tree)
			require.ErrorIs(t, err, ErrCorrupt)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

// TestExtract_Failures covers missing, corrupt and unsafe sources.
func TestExtract_Failures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.ipsw")
	require.NoError(t, os.WriteFile(garbage, []byte("not a zip archive"), 0o600))

	slip := filepath.Join(dir, "slip.ipsw")
	writeContainer(t, slip, testEntry{name: "../escape.bin", data: []byte("x"), method: zip.Store})

	tests := []struct {
		name string
		path string
		want error
	}{
		{name: "missing", path: filepath.Join(dir, "missing.ipsw"), want: ErrNotFound},
		{name: "corrupt", path: garbage, want: ErrCorrupt},
		{name: "zip slip", path: slip, want: ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			staging := filepath.Join(t.TempDir(), "staging")
			r := New(WithStagingRoot(staging))
			r.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }

			tree, err := r.Extract(context.Background(), tt.path)
			require.Nil(t, tree)
			require.ErrorIs(t, err, tt.want)

			leftovers, _ := os.ReadDir(staging)
			require.Empty(t, leftovers)
		})
	}
}

// TestExtract_InsufficientSpace checks the free space preflight.
func TestExtract_InsufficientSpace(t *testing.T) {
	t.Parallel()

	staging := filepath.Join(t.TempDir(), "staging")
	r := New(WithStagingRoot(staging), WithMinFreeBytes(10))
	r.freeSpace = func(string) (uint64, error) { return 100, nil }

	_, err := r.Extract(context.Background(), sampleContainer(t))
	require.ErrorIs(t, err, ErrWriteFailed)
	require.ErrorIs(t, err, errInsufficientSpace)

	_, statErr := os.Stat(staging)
	require.ErrorIs(t, statErr, fs.ErrNotExist)
}

// TestExtract_Cancelled checks a cancelled context leaves no staging tree.
func TestExtract_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	staging := filepath.Join(t.TempDir(), "staging")
	r := New(WithStagingRoot(staging))
	r.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }

	_, err := r.Extract(ctx, sampleContainer(t))
	require.ErrorIs(t, err, context.Canceled)

	leftovers, _ := os.ReadDir(staging)
	require.Empty(t, leftovers)
}

// TestTreeClose_RemovesUnlessRetained checks staging cleanup.
func TestTreeClose_RemovesUnlessRetained(t *testing.T) {
	t.Parallel()

	r := newTestRepacker(t)
	base := sampleContainer(t)

	removed, err := r.Extract(context.Background(), base)
	require.NoError(t, err)

	kept, err := removed.Close()
	require.NoError(t, err)
	require.False(t, kept)

	_, err = os.Stat(removed.Root())
	require.ErrorIs(t, err, fs.ErrNotExist)

	retained, err := r.Extract(context.Background(), base)
	require.NoError(t, err)
	retained.Retain()

	kept, err = retained.Close()
	require.NoError(t, err)
	require.True(t, kept)

	_, err = os.Stat(retained.Root())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(retained.Root()))
}

// TestRepack_FailureLeavesNoOutput checks a failed repack never leaves a partial artifact.
func TestRepack_FailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	r := newTestRepacker(t)

	tree, err := r.Extract(context.Background(), sampleContainer(t))
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = tree.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outDir := t.TempDir()
	out := filepath.Join(outDir, "out.ipsw")

	_, err = r.Repack(ctx, tree, out)
	require.ErrorIs(t, err, ErrWriteFailed)

	leftovers, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Empty(t, leftovers)

	_, err = tree.Close()
	require.NoError(t, err)

	_, err = r.Repack(context.Background(), tree, out)
	require.ErrorIs(t, err, errTreeClosed)
}

// TestReadRestoreInfo decodes Restore.plist from a container.
func TestReadRestoreInfo(t *testing.T) {
	t.Parallel()

	info, err := ReadRestoreInfo(sampleContainer(t))
	require.NoError(t, err)
	require.Equal(t, "9.3.5", info.ProductVersion)
	require.Equal(t, "13G36", info.ProductBuildVersion)
	require.True(t, info.Supports("iPad2,1"))
	require.False(t, info.Supports("iPhone4,1"))

	bare := filepath.Join(t.TempDir(), "bare.ipsw")
	writeContainer(t, bare, testEntry{name: "kernelcache", data: []byte("k"), method: zip.Store})

	_, err = ReadRestoreInfo(bare)
	require.ErrorIs(t, err, ErrNoRestoreInfo)
}
