// Package archive extracts firmware containers into a staging tree, overlays
// modified components onto it and reassembles a new container.
//
// Containers are zip archives. Repack walks the tree in sorted order, zeroes
// timestamps and keeps each entry's original compression method and mode, so
// the same tree always produces the same bytes and an untouched tree round-trips
// to an archive with identical file listing and contents. The artifact is
// written next to its final path and renamed into place, so a failed repack
// never leaves a partial file behind.
package archive
