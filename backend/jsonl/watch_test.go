package jsonl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rungo/query"
)

func TestWatchPicksUpNewRuns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRun(t, filepath.Join(dir, "a.jsonl"), "aa", 100, nil, 1, true)

	s, err := Open(ctx, dir, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Watch(wctx)
	}()

	// Give the watcher a moment to register before producing events.
	time.Sleep(100 * time.Millisecond)

	writeRun(t, filepath.Join(dir, "b.jsonl"), "bb", 200, nil, 1, true)

	assert.Eventually(t, func() bool {
		n, err := s.CountRuns(ctx, query.New())
		return err == nil && n == 2
	}, 5*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}
