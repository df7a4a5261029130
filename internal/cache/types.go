package cache

import "context"

// CacheKind separates key spaces.
type CacheKind uint8

const (
	CacheKindUnknown    CacheKind = iota
	CacheKindBlob                 // raw blob byte ranges
	CacheKindEntryBlock           // decompressed segment entry blocks
)

// CacheKey identifies an immutable block. Segments are never rewritten, so a
// key stays valid until the segment is deleted.
type CacheKey struct {
	Kind      CacheKind
	SegmentID uint64
	// Offset is a logical block identifier (byte offset or block index).
	Offset uint64
	// Path identifies the source blob; it disambiguates segment ids that are
	// only unique within one partition.
	Path string
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	Set(ctx context.Context, key CacheKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	Close() error
	Stats() (hits, misses int64)
}
