// Package dualkv provides an embedded key-value store with a secondary index
// from values back to keys.
//
// A Column keeps two structures in step: a primary store (key -> value) on a
// pluggable backend (pebble, sqlite or memory) and an immutable, partitioned
// value index built from FST segments. Writes are committed to the primary
// store first and then routed, in sequence order, to per-partition buffers
// that are sealed into segments and merged in the background.
//
// # Quick Start
//
//	ctx := context.Background()
//	col, _ := dualkv.Open(ctx, "./accounts",
//	    dualkv.WithPartitioner(partition.TopBits(4)))
//	defer col.Close(ctx)
//
//	col.Put(ctx, []byte("alice"), []byte("0x5f2c..."))
//	col.Flush(ctx)
//	key, ok, _ := col.Lookup(ctx, []byte("0x5f2c..."))
//
// # Reducers
//
// Without a reducer the index is unique: a value maps to the newest key.
// With a reducer every key sharing a value contributes to one aggregate:
//
//	col, _ := dualkv.Open(ctx, dir, dualkv.WithReducer(reducer.KeySet{}))
//	keys, _ := col.LookupKeys(ctx, address, nil)
//
// reducer.Sum adds up record payloads; reducer.Bitmap keeps 8-byte keys in
// a roaring bitmap.
//
// # Durability Model
//
// A write is durable in the primary store once Write returns (with
// WithSyncWrites) or after Flush. The index sees a pair once its partition
// buffer is sealed; reads of a lagging partition follow the configured
// LagPolicy. After a crash, unsealed pairs are replayed from the primary
// store on Open. A partition whose manifest cannot be read refuses reads
// with ErrManifestCorruption until Rebuild.
//
// # Dictionaries
//
// OpenDictionary opens several independent columns under one directory that
// share an ingestion worker pool, a resource controller and a block cache.
//
// # Key Features
//
//   - Pluggable primary backends (LSM, B-tree, in-memory)
//   - Leveled background merges with stale-pair pruning
//   - LZ4/ZSTD compressed segment blocks
//   - Index on local disk, S3 or MinIO via BlobStore
//   - Crash recovery and partition rebuild from the primary store
package dualkv
