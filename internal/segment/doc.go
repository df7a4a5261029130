// Package segment implements immutable value-sorted index segments.
//
// A segment maps each value to an output: the key that owns it, or a reducer
// aggregate. Values are stored in a vellum FST whose outputs point into
// compressed entry blocks, so point lookups touch one block and range scans
// decode blocks sequentially.
//
// # File Layout
//
//	Header (16 bytes)   magic, version, compression
//	Entry blocks        [uncompressed u32][compressed u32][data]
//	Block index         u64 offset per block
//	FST                 value -> blockNo<<32 | offsetInBlock
//	Meta                reducer name, min value, max value
//	Footer (56 bytes)   section offsets, row count, CRC32C, magic
//
// Segments are written once and never modified.
package segment
