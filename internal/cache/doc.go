// Package cache provides an in-memory LRU cache for immutable segment blocks.
//
// Two kinds of blocks are cached:
//
//   - CacheKindBlob: raw byte ranges of a blob, filled by blobstore.CachingStore
//     when segments live in object storage
//   - CacheKindEntryBlock: decompressed entry blocks of a segment, filled by
//     segment readers so repeated lookups skip LZ4/ZSTD decoding
//
// ShardedLRUBlockCache spreads keys over 64 LRU shards to reduce lock
// contention when many partitions are read in parallel. Capacity is charged
// against a resource.Controller when one is supplied.
package cache
