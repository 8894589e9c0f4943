package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/blobstore"
	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/compress"
	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/internal/tailread"
)

type fileInfo struct {
	mtime time.Time
	size  int64
}

// headerUpdate is the outcome of re-reading one changed log.
type headerUpdate struct {
	name  string
	info  fileInfo
	gone  bool
	start *document.Start
	stop  *document.Stop
}

// loader owns the modification-time table that makes refresh incremental.
// A log whose size and mtime are unchanged is not reopened; a changed log
// costs one read of its first line and one of its last, never a full parse.
type loader struct {
	store    blobstore.Store
	pattern  string
	codec    codec.Codec
	log      *slog.Logger
	parallel int

	mu    sync.Mutex
	files map[string]fileInfo
}

func newLoader(store blobstore.Store, pattern string, c codec.Codec, log *slog.Logger, parallel int) *loader {
	return &loader{
		store:    store,
		pattern:  pattern,
		codec:    c,
		log:      log,
		parallel: parallel,
		files:    map[string]fileInfo{},
	}
}

// matchesName reports whether the object's base name fits the log pattern,
// with or without a compression extension.
func (l *loader) matchesName(name string) bool {
	base := filepath.Base(name)
	if ok, _ := filepath.Match(l.pattern, base); ok {
		return true
	}
	for _, ext := range compress.Extensions() {
		if ok, _ := filepath.Match(l.pattern+ext, base); ok {
			return true
		}
	}
	return false
}

// scan lists the store, re-reads the logs whose size or mtime changed, and
// returns their header updates along with the names that disappeared. The
// mtime table is updated before scan returns.
func (l *loader) scan(ctx context.Context) ([]headerUpdate, []string, error) {
	listed, err := l.store.List(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list run logs: %w", err)
	}

	seen := map[string]struct{}{}
	var candidates []blobstore.ObjectInfo
	for _, obj := range listed {
		if !l.matchesName(obj.Name) {
			continue
		}
		seen[obj.Name] = struct{}{}

		l.mu.Lock()
		prev, known := l.files[obj.Name]
		l.mu.Unlock()
		if known && prev.mtime.Equal(obj.ModTime) && prev.size == obj.Size {
			continue
		}
		candidates = append(candidates, obj)
	}

	updates := make([]headerUpdate, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)
	for i, cand := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			u, err := l.readRunHeader(gctx, cand)
			if err != nil {
				return err
			}
			updates[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var removed []string
	l.mu.Lock()
	for name := range l.files {
		if _, ok := seen[name]; !ok {
			removed = append(removed, name)
			delete(l.files, name)
		}
	}
	kept := updates[:0]
	for _, u := range updates {
		if u.gone {
			if _, known := l.files[u.name]; known {
				delete(l.files, u.name)
				removed = append(removed, u.name)
			}
			continue
		}
		l.files[u.name] = u.info
		kept = append(kept, u)
	}
	l.mu.Unlock()

	return kept, removed, nil
}

// forget drops a name from the mtime table so the next scan re-reads it.
func (l *loader) forget(name string) {
	l.mu.Lock()
	delete(l.files, name)
	l.mu.Unlock()
}

// readRunHeader extracts the start document from the log's first line and,
// when the final line is a stop document, that as well. Logs without a
// complete first line are recorded but carry no run.
func (l *loader) readRunHeader(ctx context.Context, obj blobstore.ObjectInfo) (headerUpdate, error) {
	u := headerUpdate{
		name: obj.Name,
		info: fileInfo{mtime: obj.ModTime, size: obj.Size},
	}

	b, err := l.store.Open(ctx, obj.Name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			u.gone = true
			return u, nil
		}
		return u, fmt.Errorf("open %s: %w", obj.Name, err)
	}
	defer b.Close()

	var firstLine, lastLine []byte
	if c := compress.ByExtension(obj.Name); c.Name() != "none" {
		firstLine, lastLine, err = scanCompressed(ctx, c, b)
		if err != nil {
			return u, fmt.Errorf("read %s: %w", obj.Name, err)
		}
	} else {
		firstLine, lastLine, err = scanPlain(b)
		if err != nil {
			return u, fmt.Errorf("read %s: %w", obj.Name, err)
		}
	}

	if len(firstLine) == 0 {
		// Nothing durable yet: an empty log or an append in flight.
		l.log.Debug("skipping log without complete first line", "name", obj.Name)
		return u, nil
	}

	kind, body, err := ParseLine(l.codec, firstLine)
	if err != nil {
		return u, &backend.MalformedRecordError{Path: obj.Name, Line: 1, Err: err}
	}
	if kind != document.KindStart {
		return u, &backend.MalformedRecordError{Path: obj.Name, Line: 1, Err: fmt.Errorf("first document is %q, want %q", kind, document.KindStart)}
	}
	start, err := decodeStart(l.codec, body)
	if err != nil {
		return u, &backend.MalformedRecordError{Path: obj.Name, Line: 1, Err: err}
	}
	u.start = &start

	if len(lastLine) == 0 || bytes.Equal(lastLine, firstLine) {
		return u, nil
	}
	kind, body, err = ParseLine(l.codec, lastLine)
	if err != nil {
		return u, &backend.MalformedRecordError{Path: obj.Name, Err: err}
	}
	if kind == document.KindStop {
		stop, err := decodeStop(l.codec, body)
		if err != nil {
			return u, &backend.MalformedRecordError{Path: obj.Name, Err: err}
		}
		u.stop = &stop
	}
	return u, nil
}

// scanPlain reads the first line from the front and the last line from the
// back, leaving the middle of the log untouched.
func scanPlain(b blobstore.Blob) (first, last []byte, err error) {
	br := bufio.NewReader(io.NewSectionReader(b, 0, b.Size()))
	line, err := br.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			// No terminator: the first line is still being appended.
			return nil, nil, nil
		}
		return nil, nil, err
	}
	first = bytes.TrimRight(line, "\n")

	last, err = tailread.LastLine(b, b.Size())
	if err != nil {
		return nil, nil, err
	}
	return first, last, nil
}

// scanCompressed streams the whole log once, keeping only the first and
// last complete lines. Compressed logs cannot be read from the back.
func scanCompressed(ctx context.Context, c compress.Codec, b blobstore.Blob) (first, last []byte, err error) {
	r, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	zr, err := c.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A trailing fragment without a newline is ignored.
			return first, last, nil
		}
		if err != nil {
			return nil, nil, err
		}
		line = bytes.TrimRight(line, "\n")
		if len(line) == 0 {
			continue
		}
		if first == nil {
			first = line
			continue
		}
		last = line
	}
}
