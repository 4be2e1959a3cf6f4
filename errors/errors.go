// Package errors defines the error kinds surfaced by the file system.
//
// The core returns these values unchanged and never wraps context around
// them; compare with errors.Is or plain equality.
package errors

import "errors"

var (
	// ErrRead and ErrWrite propagate block-device failures.
	ErrRead  = errors.New("tefs: device read failed")
	ErrWrite = errors.New("tefs: device write failed")

	// ErrErase reports a failed pre-erase during format.
	ErrErase = errors.New("tefs: device erase failed")

	// ErrDeviceFull means the allocator has no free block.
	ErrDeviceFull = errors.New("tefs: device full")

	// ErrFileFull means a logical page is beyond the index tree's
	// addressing capacity.
	ErrFileFull = errors.New("tefs: file full")

	ErrFileNotFound = errors.New("tefs: file not found")

	// ErrUnreleasedBlock means an empty or tombstoned index slot was found
	// where a block address was expected.
	ErrUnreleasedBlock = errors.New("tefs: unreleased block")

	// ErrNotFormatted reports a magic mismatch on mount.
	ErrNotFormatted = errors.New("tefs: device not formatted")

	// ErrWritePastEnd rejects writes that would skip past the end of file.
	ErrWritePastEnd = errors.New("tefs: write past end of file")

	// ErrEOF rejects reads past the end of file.
	ErrEOF = errors.New("tefs: read past end of file")

	ErrFileNameTooLong = errors.New("tefs: file name too long")
)
