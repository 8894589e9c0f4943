package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put("b.jsonl", []byte("second"))
	store.Put("a.jsonl", []byte("first"))
	store.Put("a.txt", []byte("notes"))

	infos, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "a.jsonl", infos[0].Name)
	assert.Equal(t, int64(5), infos[0].Size)
	assert.False(t, infos[0].ModTime.IsZero())

	jsonl, err := store.List(ctx, "a.")
	require.NoError(t, err)
	require.Len(t, jsonl, 2)

	blob, err := store.Open(ctx, "a.jsonl")
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, int64(5), blob.Size())

	buf := make([]byte, 3)
	n, err := blob.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "fir", string(buf[:n]))

	_, err = store.Open(ctx, "z.jsonl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorePutReplaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put("run.jsonl", []byte("v1"))
	before, err := store.List(ctx, "run.jsonl")
	require.NoError(t, err)

	// An open blob is a snapshot; replacing the object must not change it.
	blob, err := store.Open(ctx, "run.jsonl")
	require.NoError(t, err)
	defer blob.Close()

	store.Put("run.jsonl", []byte("v2-longer"))
	after, err := store.List(ctx, "run.jsonl")
	require.NoError(t, err)

	assert.Equal(t, int64(9), after[0].Size)
	assert.False(t, after[0].ModTime.Before(before[0].ModTime))

	r, err := NewReader(ctx, blob)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put("run.jsonl", []byte("v1"))
	store.Delete("run.jsonl")
	store.Delete("never-existed")

	_, err := store.Open(ctx, "run.jsonl")
	assert.ErrorIs(t, err, ErrNotFound)

	infos, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}
