package main

import (
	"context"
	"fmt"

	"github.com/hupe1980/docshard/blobstore"
	miniostore "github.com/hupe1980/docshard/blobstore/minio"
	s3store "github.com/hupe1980/docshard/blobstore/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// openStore connects to the snapshot repository's blob store.
func openStore(ctx context.Context, cfg storeConfig) (blobstore.Store, error) {
	switch cfg.Type {
	case "local":
		return blobstore.NewLocalStore(cfg.Path), nil
	case "s3":
		opts := []s3store.Option{s3store.WithPrefix(cfg.Prefix)}
		if cfg.Region != "" {
			opts = append(opts, s3store.WithRegion(cfg.Region))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, s3store.WithEndpoint(cfg.Endpoint))
		}
		return s3store.New(ctx, cfg.Bucket, opts...)
	case "minio":
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return miniostore.NewStore(client, cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
