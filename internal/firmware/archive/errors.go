package archive

import (
	"errors"
	"fmt"
)

// Kind classifies archive failures.
type Kind string

const (
	// KindNotFound means the source archive does not exist.
	KindNotFound Kind = "not-found"
	// KindCorrupt means the source cannot be parsed as a valid archive.
	KindCorrupt Kind = "corrupt"
	// KindWriteFailed means staging or output I/O failed.
	KindWriteFailed Kind = "write-failed"
)

var (
	// ErrNotFound matches every KindNotFound error.
	ErrNotFound = errors.New("archive not found")
	// ErrCorrupt matches every KindCorrupt error.
	ErrCorrupt = errors.New("archive corrupt")
	// ErrWriteFailed matches every KindWriteFailed error.
	ErrWriteFailed = errors.New("archive write failed")

	// errInsufficientSpace is wrapped when the staging volume is too small.
	errInsufficientSpace = errors.New("insufficient free space on staging volume")
	// errUnsafePath is wrapped when an entry or overlay escapes the tree root.
	errUnsafePath = errors.New("path escapes the tree root")
	// errNotAFile is wrapped when an overlay targets the root or a directory.
	errNotAFile = errors.New("overlay target is not a file")
	// errNonCanonicalName is wrapped when an entry name is not in clean form.
	errNonCanonicalName = errors.New("entry name is not canonical")
	// errDuplicateEntry is wrapped when a container lists the same file twice.
	errDuplicateEntry = errors.New("duplicate entry")
	// errTreeClosed is returned when a removed tree is used.
	errTreeClosed = errors.New("archive tree is closed")
)

// Error is a classified archive failure.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Path is the file the failure relates to.
	Path string
	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("archive %s: %s: %v", e.Kind, e.Path, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindCorrupt:
		return ErrCorrupt
	default:
		return ErrWriteFailed
	}
}

func notFound(path string, err error) error {
	return &Error{Kind: KindNotFound, Path: path, Err: err}
}

func corrupt(path string, err error) error {
	return &Error{Kind: KindCorrupt, Path: path, Err: err}
}

func writeFailed(path string, err error) error {
	return &Error{Kind: KindWriteFailed, Path: path, Err: err}
}
