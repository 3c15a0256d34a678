// Package s3 provides an S3 implementation of the blobstore.Store interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("snapshots/shard-0/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	repo := gateway.NewRepository(store)
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large segment files
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
