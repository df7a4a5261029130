// Package minio provides a blobstore.BlobStore backed by the MinIO client.
//
// It works with MinIO and other S3-compatible systems (Ceph, SeaweedFS,
// Garage) without the AWS SDK.
//
//	store, err := minio.New(ctx, minio.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "dualkv",
//	    Prefix:    "accounts/",
//	})
//	db, err := dualkv.Open(ctx, dir, dualkv.WithBlobStore(store))
package minio
