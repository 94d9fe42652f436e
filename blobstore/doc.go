// Package blobstore provides storage for treekv's manifests and index checkpoints.
//
// Segment files are append-only and live on the engine's file system; everything
// that is written once and replaced atomically goes through a BlobStore.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on an fs.FileSystem (atomic rename on Put)
//   - MemoryStore: in-process map, for tests and InMemory databases
//   - BoltStore: a single bbolt database file
//   - s3.Store: Amazon S3, optionally with a DynamoDB commit pointer
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)      // Open for reading
//	    Put(ctx, name, data) error         // Atomic write
//	    Delete(ctx, name) error            // Missing blobs are not an error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
