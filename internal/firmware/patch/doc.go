// Package patch applies verified in-place byte patches to firmware components.
//
// A Set is an ordered, validated collection of Patch values: every patch keeps
// its size, and no two resolved patches may overlap. The Engine checks every
// original byte range before touching the image, stages all writes on a
// scratch copy, re-verifies the result and only then commits it, so a failed
// apply leaves the image byte-for-byte unchanged.
//
// Patch tables are supplied at runtime as YAML (see LoadTable). Entries marked
// unresolved are placeholders for offsets that have not been confirmed yet;
// they are carried through to reports but never applied.
package patch
