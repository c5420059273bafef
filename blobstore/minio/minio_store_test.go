package minio

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traindex/traindex/blobstore"
)

func TestIntegration_MinioStore(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	bucket := os.Getenv("MINIO_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("Skipping MinIO integration test: MINIO_ENDPOINT or MINIO_BUCKET not set")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
		Secure: os.Getenv("MINIO_SECURE") == "true",
	})
	require.NoError(t, err)

	ctx := context.Background()
	prefix := fmt.Sprintf("test-traindex-%d/", time.Now().UnixNano())
	store := NewStore(client, bucket, prefix)

	name := "run/r0001.exdf"
	data := make([]byte, 64*1024)
	rand.Read(data)
	require.NoError(t, store.Put(ctx, name, data))

	names, err := store.List(ctx, "run/")
	require.NoError(t, err)
	assert.Contains(t, names, name)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 128)
	require.NoError(t, blobstore.ReadFull(ctx, blob, buf, 1024))
	assert.Equal(t, data[1024:1152], buf)

	_, err = store.Open(ctx, "run/missing.exdf")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
