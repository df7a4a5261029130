package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrNotFound is returned when the partition has no CURRENT pointer.
	ErrNotFound = errors.New("manifest not found")

	// ErrCorrupt is returned when CURRENT points at a manifest that cannot be
	// read or fails its integrity check.
	ErrCorrupt = errors.New("manifest corrupt")
)
