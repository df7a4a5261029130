// Package builder buffers (value, key) pairs of one partition in value order
// and encodes them into immutable segments.
//
// Duplicate values inside a buffer are combined with the reducer, or, with
// no reducer, the pair with the higher sequence number wins.
package builder
