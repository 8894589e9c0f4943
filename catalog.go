package rungo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
	"github.com/hupe1980/rungo/stream"
)

// prefixMatchLimit caps how many runs a partial-uid lookup considers. An
// ambiguous key reports at most this many candidates.
const prefixMatchLimit = 10

// Catalog is an ordered collection of runs served from a backend store.
//
// Enumeration order is most recent first: run -1 is the latest, run -2 the
// one before it. Search derives narrowed views without copying any data; all
// views of one catalog share the backend and close together.
type Catalog struct {
	store    backend.Store
	scope    query.Query
	pageSize int
	handlers *HandlerRegistry
	metrics  MetricsCollector
	logger   *Logger
	closed   *atomic.Bool
}

// New builds a catalog over an already-open backend store. The catalog takes
// ownership: Close closes the store.
//
// Most callers open store and catalog in one step through the JSONL, Pebble
// or Dynamo builders instead.
func New(store backend.Store, optFns ...Option) (*Catalog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil backend store", ErrMisconfigured)
	}
	opts := applyOptions(optFns)
	pageSize := opts.pageSize
	if pageSize < 1 {
		pageSize = stream.DefaultPageSize
	}
	return &Catalog{
		store:    store,
		pageSize: pageSize,
		handlers: opts.handlers,
		metrics:  opts.metricsCollector,
		logger:   opts.logger,
		closed:   &atomic.Bool{},
	}, nil
}

// Store exposes the backend the catalog reads from.
func (c *Catalog) Store() backend.Store {
	return c.store
}

// Query returns the scope this catalog view is narrowed to. The zero query
// means the view is unrestricted.
func (c *Catalog) Query() query.Query {
	return c.scope
}

// Get resolves a key to a run. Keys are overloaded the way beamline users
// write them:
//
//   - a non-negative integer resolves to the most recent run with that scan
//     id (scan ids recycle; older holders stay reachable by uid),
//   - a negative integer counts back from the most recent run, so "-1" is
//     the latest and "-5" the fifth-latest (ErrOutOfRange past the end),
//   - anything else is a run uid, matched exactly first and as a uid prefix
//     second. A prefix hitting several runs fails with ErrAmbiguousKey
//     listing the candidates.
func (c *Catalog) Get(ctx context.Context, key string) (*Run, error) {
	start := time.Now()
	run, err := c.get(ctx, key)
	c.metrics.RecordLookup(time.Since(start), err)
	if err != nil {
		c.logger.Debug("lookup failed", "key", key, "error", err)
		return nil, err
	}
	c.logger.Debug("lookup resolved", "key", key, "run", run.UID())
	return run, nil
}

func (c *Catalog) get(ctx context.Context, key string) (*Run, error) {
	if c.closed.Load() {
		return nil, ErrCatalogClosed
	}
	if key == "" {
		return nil, &ErrInvalidKey{Key: key, cause: errors.New("empty key")}
	}
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		if n < 0 {
			return c.at(ctx, n)
		}
		return c.byScanID(ctx, uint64(n))
	}
	return c.byUID(ctx, key)
}

// ByScanID resolves the most recent run carrying the scan id.
func (c *Catalog) ByScanID(ctx context.Context, n uint64) (*Run, error) {
	start := time.Now()
	run, err := func() (*Run, error) {
		if c.closed.Load() {
			return nil, ErrCatalogClosed
		}
		return c.byScanID(ctx, n)
	}()
	c.metrics.RecordLookup(time.Since(start), err)
	return run, err
}

// At resolves a position counted back from the most recent run: -1 is the
// latest, -2 the one before it. Non-negative offsets are rejected; those are
// scan ids in key form.
func (c *Catalog) At(ctx context.Context, offset int) (*Run, error) {
	start := time.Now()
	run, err := func() (*Run, error) {
		if c.closed.Load() {
			return nil, ErrCatalogClosed
		}
		if offset >= 0 {
			return nil, fmt.Errorf("%w: positional offsets count back from the most recent run and must be negative, got %d", ErrOutOfRange, offset)
		}
		return c.at(ctx, int64(offset))
	}()
	c.metrics.RecordLookup(time.Since(start), err)
	return run, err
}

// Contains reports whether the key resolves to a run in this catalog.
// Ambiguous prefixes do not count as contained.
func (c *Catalog) Contains(ctx context.Context, key string) bool {
	_, err := c.Get(ctx, key)
	return err == nil
}

// Len reports how many runs the catalog's scope selects.
func (c *Catalog) Len(ctx context.Context) (int, error) {
	start := time.Now()
	if c.closed.Load() {
		return 0, ErrCatalogClosed
	}
	n, err := c.store.CountRuns(ctx, c.scope)
	err = translateError(err)
	c.metrics.RecordSearch(n, time.Since(start), err)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Refresh picks up runs written to the backing storage since the catalog was
// opened or last refreshed. Backends whose reads are always current return
// immediately.
func (c *Catalog) Refresh(ctx context.Context) error {
	start := time.Now()
	if c.closed.Load() {
		return ErrCatalogClosed
	}
	err := translateError(c.store.Refresh(ctx))
	c.metrics.RecordRefresh(time.Since(start), err)
	if err != nil {
		c.logger.Warn("refresh failed", "error", err)
		return err
	}
	c.logger.Debug("refreshed")
	return nil
}

func (c *Catalog) byScanID(ctx context.Context, n uint64) (*Run, error) {
	q := c.scope.And(query.Eq("scan_id", n))
	for st, err := range c.store.Runs(ctx, q) {
		if err != nil {
			return nil, translateError(err)
		}
		return c.newRun(st), nil
	}
	return nil, fmt.Errorf("%w: no run with scan id %d", ErrNotFound, n)
}

func (c *Catalog) at(ctx context.Context, offset int64) (*Run, error) {
	// -1 is position 0 of the descending enumeration.
	idx := -offset - 1
	var seen int64
	for st, err := range c.store.Runs(ctx, c.scope) {
		if err != nil {
			return nil, translateError(err)
		}
		if seen == idx {
			return c.newRun(st), nil
		}
		seen++
	}
	return nil, fmt.Errorf("%w: position %d but the catalog has only %d runs", ErrOutOfRange, offset, seen)
}

func (c *Catalog) byUID(ctx context.Context, key string) (*Run, error) {
	st, err := c.store.RunStart(ctx, key)
	switch {
	case err == nil:
		if !c.scope.IsEmpty() && !c.scope.Matches(st.Fields) {
			return nil, fmt.Errorf("%w: run %q is outside this view's query scope", ErrNotFound, key)
		}
		return c.newRun(st), nil
	case errors.Is(err, backend.ErrNotFound):
		return c.byPrefix(ctx, key)
	default:
		return nil, translateError(err)
	}
}

func (c *Catalog) byPrefix(ctx context.Context, prefix string) (*Run, error) {
	uids, err := c.prefixMatches(ctx, prefix)
	if err != nil {
		return nil, translateError(err)
	}
	switch len(uids) {
	case 0:
		return nil, fmt.Errorf("%w: no run with uid or uid prefix %q", ErrNotFound, prefix)
	case 1:
		st, err := c.store.RunStart(ctx, uids[0])
		if err != nil {
			return nil, translateError(err)
		}
		return c.newRun(st), nil
	default:
		return nil, &ErrAmbiguousKey{Key: prefix, Matches: uids}
	}
}

func (c *Catalog) prefixMatches(ctx context.Context, prefix string) ([]string, error) {
	if c.scope.IsEmpty() {
		return c.store.UIDsWithPrefix(ctx, prefix, prefixMatchLimit)
	}

	// Scoped views match the prefix against their own enumeration so runs
	// outside the scope never surface.
	var uids []string
	for st, err := range c.store.Runs(ctx, c.scope) {
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(st.UID, prefix) {
			continue
		}
		uids = append(uids, st.UID)
		if len(uids) == prefixMatchLimit {
			break
		}
	}
	return uids, nil
}

func (c *Catalog) newRun(st document.Start) *Run {
	return &Run{
		c:     c,
		start: st,
		log:   c.logger.WithRun(st.UID),
	}
}

// translateSeq rewrites backend errors into catalog errors as a sequence is
// consumed, stopping after the first failure.
func translateSeq[T any](seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if !yield(v, translateError(err)) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}
