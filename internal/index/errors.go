package index

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestCorruption means the partition's manifest or one of its
	// segments could not be read. The partition refuses reads until rebuilt.
	ErrManifestCorruption = errors.New("index: manifest corruption")
	// ErrReducerMismatch is returned when a partition is opened with a
	// reducer other than the one its segments were built with.
	ErrReducerMismatch = errors.New("index: reducer mismatch")
	// ErrConflict is returned when a merge commit references segments that
	// are no longer live.
	ErrConflict = errors.New("index: merge conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("index: partition closed")
)

// ManifestError records why a partition was marked corrupt.
type ManifestError struct {
	Partition string
	Err       error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("index: partition %s: manifest corruption: %v", e.Partition, e.Err)
}

// Unwrap exposes both ErrManifestCorruption and the underlying cause.
func (e *ManifestError) Unwrap() []error {
	return []error{ErrManifestCorruption, e.Err}
}
