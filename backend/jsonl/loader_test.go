package jsonl

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rungo/blobstore"
	"github.com/hupe1980/rungo/codec"
)

func newTestLoader(dir, pattern string) *loader {
	return newLoader(blobstore.NewLocalStore(dir), pattern, codec.Default, slog.New(slog.DiscardHandler), 4)
}

func TestLoaderMatchesName(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		file    string
		want    bool
	}{
		{name: "Plain", pattern: "*.jsonl", file: "run.jsonl", want: true},
		{name: "Gzip", pattern: "*.jsonl", file: "run.jsonl.gz", want: true},
		{name: "Zstd", pattern: "*.jsonl", file: "run.jsonl.zst", want: true},
		{name: "LZ4", pattern: "*.jsonl", file: "run.jsonl.lz4", want: true},
		{name: "FullPath", pattern: "*.jsonl", file: "/data/catalog/run.jsonl", want: true},
		{name: "OtherExtension", pattern: "*.jsonl", file: "notes.txt", want: false},
		{name: "Backup", pattern: "*.jsonl", file: "run.jsonl.bak", want: false},
		{name: "CustomPattern", pattern: "scan_*.jsonl", file: "scan_0042.jsonl", want: true},
		{name: "CustomPatternMiss", pattern: "scan_*.jsonl", file: "count_0042.jsonl", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(t.TempDir(), tt.pattern)
			assert.Equal(t, tt.want, l.matchesName(tt.file))
		})
	}
}

func TestLoaderScanIsIncremental(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := writeRun(t, filepath.Join(dir, "a.jsonl"), "aa", 100, nil, 2, true)
	writeRun(t, filepath.Join(dir, "b.jsonl"), "bb", 200, nil, 2, false)

	l := newTestLoader(dir, "*.jsonl")

	updates, removed, err := l.scan(ctx)
	require.NoError(t, err)
	assert.Len(t, updates, 2)
	assert.Empty(t, removed)

	// Nothing changed, so the second scan re-reads nothing.
	updates, removed, err = l.scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Empty(t, removed)

	// An append changes size and mtime; only that file is re-read.
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	updates, removed, err = l.scan(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "a.jsonl", updates[0].name)
	assert.Empty(t, removed)

	// A deleted file shows up once, as removed.
	require.NoError(t, os.Remove(a.path))
	updates, removed, err = l.scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Equal(t, []string{"a.jsonl"}, removed)

	updates, removed, err = l.scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Empty(t, removed)
}

func TestLoaderForget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRun(t, filepath.Join(dir, "a.jsonl"), "aa", 100, nil, 1, true)
	l := newTestLoader(dir, "*.jsonl")

	updates, _, err := l.scan(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	l.forget("a.jsonl")

	updates, _, err = l.scan(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "a.jsonl", updates[0].name)
}

func TestReadRunHeader(t *testing.T) {
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		dir := t.TempDir()
		fx := writeRun(t, filepath.Join(dir, "run.jsonl"), "aa", 100, nil, 3, true)

		l := newTestLoader(dir, "*.jsonl")
		updates, _, err := l.scan(ctx)
		require.NoError(t, err)
		require.Len(t, updates, 1)

		require.NotNil(t, updates[0].start)
		assert.Equal(t, fx.start.UID, updates[0].start.UID)
		require.NotNil(t, updates[0].stop)
		assert.Equal(t, fx.start.UID, updates[0].stop.RunStart)
	})

	t.Run("InProgress", func(t *testing.T) {
		dir := t.TempDir()
		writeRun(t, filepath.Join(dir, "run.jsonl"), "aa", 100, nil, 3, false)

		l := newTestLoader(dir, "*.jsonl")
		updates, _, err := l.scan(ctx)
		require.NoError(t, err)
		require.Len(t, updates, 1)

		require.NotNil(t, updates[0].start)
		// The final line is an event, not a stop.
		assert.Nil(t, updates[0].stop)
	})

	t.Run("DescriptorLast", func(t *testing.T) {
		dir := t.TempDir()
		writeRun(t, filepath.Join(dir, "run.jsonl"), "aa", 100, nil, 0, false)

		l := newTestLoader(dir, "*.jsonl")
		updates, _, err := l.scan(ctx)
		require.NoError(t, err)
		require.Len(t, updates, 1)

		require.NotNil(t, updates[0].start)
		assert.Nil(t, updates[0].stop)
	})

	t.Run("PartialTail", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "run.jsonl")
		fx := writeRun(t, path, "aa", 100, nil, 1, false)

		// A write in flight: the last line has no terminator yet.
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.WriteString(`["stop", {"uid": "aa-90`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		l := newTestLoader(dir, "*.jsonl")
		updates, _, err := l.scan(ctx)
		require.NoError(t, err)
		require.Len(t, updates, 1)

		require.NotNil(t, updates[0].start)
		assert.Equal(t, fx.start.UID, updates[0].start.UID)
		assert.Nil(t, updates[0].stop)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run.jsonl"), nil, 0o644))

		l := newTestLoader(dir, "*.jsonl")
		updates, _, err := l.scan(ctx)
		require.NoError(t, err)
		require.Len(t, updates, 1)
		assert.Nil(t, updates[0].start)
	})
}
