package patch

import (
	"bytes"
	"errors"
)

// errNilImage is returned when Apply is called without an image.
var errNilImage = errors.New("image is not set")

// Report lists the outcome of every patch in application order.
type Report struct {
	// Component is the name of the patched image.
	Component string `yaml:"component"`
	// Entries follow the order of the patch set.
	Entries []Entry `yaml:"entries"`
}

// Entry is the outcome of a single patch.
type Entry struct {
	// Description names the patch.
	Description string `yaml:"description"`
	// Offset is the start of the patched range.
	Offset uint64 `yaml:"offset"`
	// Applied is true when the bytes were written and re-verified.
	Applied bool `yaml:"applied"`
	// Skipped is true for placeholders.
	Skipped bool `yaml:"skipped,omitempty"`
}

// Applied returns the number of entries that were written.
func (r *Report) Applied() int {
	if r == nil {
		return 0
	}

	n := 0

	for _, e := range r.Entries {
		if e.Applied {
			n++
		}
	}

	return n
}

// Engine applies patch sets to images. It keeps no state between calls.
type Engine struct{}

// NewEngine returns a patch engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Apply verifies and applies every resolved patch in set to img.
//
// Bounds are validated before any byte is read. All original ranges are then
// compared against the image; the writes are staged on a scratch copy which is
// re-verified before being committed. On any error img is left untouched.
func (e *Engine) Apply(img *Image, set *Set) (*Report, error) {
	if img == nil {
		return nil, errNilImage
	}

	patches := set.Patches()

	if err := set.ValidateFor(img.Len()); err != nil {
		return nil, err
	}

	for _, p := range patches {
		if p.unresolved {
			continue
		}

		if !bytes.Equal(img.data[p.offset:p.End()], p.original) {
			return nil, &VerificationError{Offset: p.offset, Description: p.description, Phase: PhasePrecondition}
		}
	}

	report := &Report{
		Component: img.name,
		Entries:   make([]Entry, 0, len(patches)),
	}

	if set.Resolved() == 0 {
		for _, p := range patches {
			report.Entries = append(report.Entries, Entry{Description: p.description, Offset: p.offset, Skipped: true})
		}

		return report, nil
	}

	scratch := bytes.Clone(img.data)

	for _, p := range patches {
		if !p.unresolved {
			copy(scratch[p.offset:p.End()], p.patched)
		}
	}

	for _, p := range patches {
		entry := Entry{Description: p.description, Offset: p.offset}

		if p.unresolved {
			entry.Skipped = true
			report.Entries = append(report.Entries, entry)

			continue
		}

		if !bytes.Equal(scratch[p.offset:p.End()], p.patched) {
			return nil, &VerificationError{Offset: p.offset, Description: p.description, Phase: PhasePostcondition}
		}

		entry.Applied = true
		report.Entries = append(report.Entries, entry)
	}

	copy(img.data, scratch)

	return report, nil
}
