// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("treekv/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	db, err := treekv.Open(ctx, treekv.Local("/var/lib/treekv"), treekv.WithBlobStore(store))
//
// Manifests and checkpoints then live in the bucket while the log stays on
// local disk. DDBCommitStore adds a DynamoDB-backed CURRENT pointer for
// setups where more than one process may commit manifests.
//
// # Features
//
//   - Range reads for checkpoint loading
//   - Multipart uploads for large checkpoints
//   - CRC32C integrity checks on small uploads
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
