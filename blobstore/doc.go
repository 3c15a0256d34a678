// Package blobstore provides the storage abstraction for shard snapshots.
//
// A Store holds named, immutable blobs: the files of a pinned index commit,
// translog exports and snapshot manifests. Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local file system, atomic publish by rename
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
