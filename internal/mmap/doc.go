// Package mmap maps immutable segment files into memory for read-only access.
//
// Segment files are written once and never modified, which makes them safe to
// map for the lifetime of a reader:
//
//	m, err := mmap.Open("seg-0000000000000007-000012.dkv")
//	if err != nil { ... }
//	defer m.Close()
//
//	fstBytes := m.Bytes()[fstOff : fstOff+fstLen]
//
// Merges stream a segment front to back and hint AccessSequential; point lookups
// hint AccessRandom.
//
// On platforms without mmap(2) the file is read into memory instead, keeping
// the same API.
package mmap
