package patch

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed patches and patch sets. It is always
	// raised before any byte of the image is read.
	ErrValidation = errors.New("patch validation failed")
	// ErrVerification classifies byte mismatches before or after patching.
	ErrVerification = errors.New("patch verification failed")

	// ErrOutOfBounds is returned when a patch range does not fit the image.
	ErrOutOfBounds = errors.New("patch range out of bounds")
	// ErrOverlap is returned when two resolved patches share bytes.
	ErrOverlap = errors.New("patch ranges overlap")
	// ErrLengthMismatch is returned when original and patched payloads differ in size.
	ErrLengthMismatch = errors.New("original and patched lengths differ")
	// ErrEmptyPayload is returned for zero-length patches.
	ErrEmptyPayload = errors.New("patch payload is empty")
)

// Phase tells whether a verification failure happened before or after writing.
type Phase string

const (
	// PhasePrecondition is the check of original bytes before any write.
	PhasePrecondition Phase = "precondition"
	// PhasePostcondition is the re-check of patched bytes after staging the writes.
	PhasePostcondition Phase = "postcondition"
)

// ValidationError reports a patch that is malformed or does not fit the image.
type ValidationError struct {
	// Offset is the start of the offending patch.
	Offset uint64
	// Description names the offending patch.
	Description string
	// Err is the specific cause (ErrOutOfBounds, ErrOverlap, ...).
	Err error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: patch %q at 0x%x: %v", ErrValidation, e.Description, e.Offset, e.Err)
}

// Unwrap exposes both the taxonomy class and the specific cause to errors.Is.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// VerificationError reports bytes that did not match what a patch expects.
type VerificationError struct {
	// Offset is the start of the mismatching range.
	Offset uint64
	// Description names the patch.
	Description string
	// Phase tells which pass detected the mismatch.
	Phase Phase
}

// Error implements error.
func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s mismatch for patch %q at 0x%x", ErrVerification, e.Phase, e.Description, e.Offset)
}

// Unwrap returns the taxonomy class.
func (e *VerificationError) Unwrap() error {
	return ErrVerification
}
