// Package index implements one partition of the secondary value→key index.
//
// A partition owns an active builder buffer, the segments listed in its
// manifest and a reference-counted snapshot of the open segments. Readers
// load the snapshot without locking; seals and merges publish a new manifest
// and then swap the snapshot. Retired segment files are deleted once the last
// reader releases them.
package index
