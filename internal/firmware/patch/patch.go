package patch

import (
	"bytes"
	"math"
	"slices"
)

// Patch is an immutable in-place modification of a byte range.
type Patch struct {
	// offset is the first byte touched by the patch.
	offset uint64
	// original is the content expected at offset before patching.
	original []byte
	// patched is the content written at offset.
	patched []byte
	// description is a human-readable name used in reports and errors.
	description string
	// unresolved marks a placeholder whose offset is not confirmed.
	unresolved bool
}

// New validates and constructs a resolved patch. The payloads are copied.
func New(offset uint64, original, patched []byte, description string) (Patch, error) {
	return newPatch(offset, original, patched, description, false)
}

// NewPlaceholder constructs an unresolved patch that is reported but never applied.
func NewPlaceholder(offset uint64, original, patched []byte, description string) (Patch, error) {
	return newPatch(offset, original, patched, description, true)
}

func newPatch(offset uint64, original, patched []byte, description string, unresolved bool) (Patch, error) {
	p := Patch{
		offset:      offset,
		original:    bytes.Clone(original),
		patched:     bytes.Clone(patched),
		description: description,
		unresolved:  unresolved,
	}

	switch {
	case len(original) == 0:
		return Patch{}, p.invalid(ErrEmptyPayload)
	case len(original) != len(patched):
		return Patch{}, p.invalid(ErrLengthMismatch)
	case !unresolved && offset > math.MaxUint64-uint64(len(original)):
		return Patch{}, p.invalid(ErrOutOfBounds)
	}

	return p, nil
}

// Offset returns the first byte touched by the patch.
func (p Patch) Offset() uint64 { return p.offset }

// Len returns the size of the patched range.
func (p Patch) Len() int { return len(p.original) }

// End returns the offset one past the patched range.
func (p Patch) End() uint64 { return p.offset + uint64(len(p.original)) }

// Original returns a copy of the expected original bytes.
func (p Patch) Original() []byte { return bytes.Clone(p.original) }

// Patched returns a copy of the replacement bytes.
func (p Patch) Patched() []byte { return bytes.Clone(p.patched) }

// Description returns the patch name.
func (p Patch) Description() string { return p.description }

// Unresolved reports whether the patch is a placeholder.
func (p Patch) Unresolved() bool { return p.unresolved }

func (p Patch) invalid(cause error) error {
	return &ValidationError{Offset: p.offset, Description: p.description, Err: cause}
}

// Set is an ordered collection of patches for one component. Order is
// application order. Resolved patches never overlap.
type Set struct {
	// component is the logical name of the image the set targets.
	component string
	// patches are kept in application order.
	patches []Patch
}

// NewSet validates that no two resolved patches overlap and returns the set.
// An empty or placeholder-only set is valid.
func NewSet(component string, patches ...Patch) (*Set, error) {
	resolved := make([]Patch, 0, len(patches))

	for _, p := range patches {
		if !p.unresolved {
			resolved = append(resolved, p)
		}
	}

	slices.SortFunc(resolved, func(a, b Patch) int {
		switch {
		case a.offset < b.offset:
			return -1
		case a.offset > b.offset:
			return 1
		default:
			return 0
		}
	})

	for i := 1; i < len(resolved); i++ {
		if resolved[i-1].End() > resolved[i].offset {
			return nil, resolved[i].invalid(ErrOverlap)
		}
	}

	return &Set{
		component: component,
		patches:   slices.Clone(patches),
	}, nil
}

// Component returns the logical name of the targeted image.
func (s *Set) Component() string {
	if s == nil {
		return ""
	}

	return s.component
}

// Patches returns the patches in application order.
func (s *Set) Patches() []Patch {
	if s == nil {
		return nil
	}

	return slices.Clone(s.patches)
}

// Len returns the number of patches, placeholders included.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}

	return len(s.patches)
}

// Resolved returns the number of patches that will actually be applied.
func (s *Set) Resolved() int {
	n := 0

	for _, p := range s.Patches() {
		if !p.unresolved {
			n++
		}
	}

	return n
}

// ValidateFor checks that every resolved patch fits an image of the given size.
func (s *Set) ValidateFor(size int) error {
	for _, p := range s.Patches() {
		if p.unresolved {
			continue
		}

		if p.End() > uint64(size) {
			return p.invalid(ErrOutOfBounds)
		}
	}

	return nil
}
