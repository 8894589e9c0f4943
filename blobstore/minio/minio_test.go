package minio

import (
	"bytes"
	"context"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rungo/blobstore"
)

// TestStoreIntegration exercises the store against a running MinIO instance
// and skips when none is reachable on localhost:9000.
func TestStoreIntegration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("minio client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}

	bucket := "rungo-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	// Seed through the native client; the store itself is read-only.
	data := []byte("first line\nsecond line\n")
	_, err = client.PutObject(ctx, bucket, "bmm/scan_0001.jsonl", bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	require.NoError(t, err)
	defer func() {
		_ = client.RemoveObject(ctx, bucket, "bmm/scan_0001.jsonl", minio.RemoveObjectOptions{})
	}()

	store := NewStore(client, bucket, "bmm/")

	infos, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "scan_0001.jsonl", infos[0].Name)
	assert.Equal(t, int64(len(data)), infos[0].Size)
	assert.False(t, infos[0].ModTime.IsZero())

	b, err := store.Open(ctx, "scan_0001.jsonl")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, int64(len(data)), b.Size())

	buf := make([]byte, 6)
	n, err := b.ReadAt(buf, 11)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf[:n]))

	all, err := b.(blobstore.ReadAller).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, all)

	_, err = store.Open(ctx, "missing.jsonl")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
