package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a line that cannot be decoded.
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates an entry whose checksum does not match its content.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrEmptyJournal is returned by LastEntry for a file without entries.
	ErrEmptyJournal = errors.New("journal: file is empty")

	// ErrJournalClosed indicates an operation on a closed journal.
	ErrJournalClosed = errors.New("journal: already closed")

	// ErrOutOfOrder indicates a sequence number that does not increase.
	ErrOutOfOrder = errors.New("journal: sequence out of order")

	// ErrPartialWrite indicates a write that left a torn line in the file.
	// Appends are refused until the file is rotated.
	ErrPartialWrite = errors.New("journal: partial write")
)

// ChecksumError carries the details of a checksum mismatch.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports where in the file decoding failed.
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // Underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d: %v", e.Line, e.Cause)
}

// Is lets errors.Is match ErrCorruptedJournal while Unwrap exposes the decode error.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedJournal
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
