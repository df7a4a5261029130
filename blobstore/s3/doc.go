// Package s3 provides an S3 implementation of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("dualkv/accounts/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	db, err := dualkv.Open(ctx, dir, dualkv.WithBlobStore(store))
//
// Segments are streamed through multipart uploads and read back with range
// requests. DDBCommitStore moves the per-partition CURRENT pointers into
// DynamoDB for conditional commits.
package s3
