// Package blobstore provides storage for the secondary index: immutable
// segment files, per-partition manifests and their CURRENT pointers.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, mmap reads, write-temp-sync-rename writes
//   - MemoryStore: in-process maps, for tests and ephemeral indexes
//   - CachingStore: block cache in front of a remote store
//   - PrefixedStore: scopes a store to one partition directory
//   - s3.Store / s3.DDBCommitStore: Amazon S3, optionally with DynamoDB commits
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Contract
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Put must be atomic: a reader sees either the previous or the new content.
// The manifest protocol relies on this for CURRENT.
package blobstore
