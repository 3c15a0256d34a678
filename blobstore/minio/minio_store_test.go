package minio

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/hupe1980/docshard/blobstore"
	"github.com/hupe1980/docshard/blobstore/blobstoretest"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// TestMinioStore_Integration runs the store checks against a MinIO server.
// It is skipped when MINIO_ENDPOINT (default localhost:9000) is unreachable.
func TestMinioStore_Integration(t *testing.T) {
	ctx := context.Background()
	bucket := getenv("MINIO_BUCKET", "test-docshard")

	client, err := minio.New(getenv("MINIO_ENDPOINT", "localhost:9000"), &minio.Options{
		Creds: credentials.NewStaticV4(
			getenv("MINIO_ACCESS_KEY", "minioadmin"),
			getenv("MINIO_SECRET_KEY", "minioadmin"),
			"",
		),
	})
	if err != nil {
		t.Skipf("minio client: %v", err)
	}
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	blobstoretest.Run(t, func(t *testing.T) blobstore.Store {
		s := NewStore(client, bucket, "docshard-it/"+uuid.NewString())
		blobstoretest.Cleanup(t, s)
		return s
	})
}
