// Package build turns a base firmware archive into a patched artifact.
//
// A job extracts the archive, applies the patch table to the kernel component,
// overlays resource files, repacks the tree and optionally signs the result.
// A manifest with the artifact digest, overlay checksums and patch report is
// written next to the artifact. Independent jobs may run in parallel.
package build
