// Package jsonl implements the append-log backend: a collection of newline
// delimited JSON files, one run per file, each line a [kind, document] pair
// in arrival order. Files may be gzip, zstd, or lz4 compressed. Open serves
// a local directory; OpenStore serves any blobstore.Store, so the same index
// works over an S3 bucket or an in-memory fixture.
//
// The run index is maintained incrementally. Refresh lists every log and
// re-reads only the changed ones, and even then reads just the first line
// (the start document) and the last (the stop document, once present). Full
// logs are parsed lazily when a run's streams are accessed, and kept in a
// bounded LRU cache.
package jsonl

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/blobstore"
	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
	"github.com/hupe1980/rungo/stream"
)

// Options configures a Store.
type Options struct {
	// Codec decodes log lines. Defaults to codec.Default.
	Codec codec.Codec

	// Logger receives structured refresh and watch logs. Defaults to a
	// discarding logger.
	Logger *slog.Logger

	// Pattern is the glob matching log files within the directory, before
	// compression extensions. Defaults to "*.jsonl".
	Pattern string

	// PageSize is the rows-per-page target when assembling event and datum
	// pages. Defaults to stream.DefaultPageSize.
	PageSize int

	// CacheSize bounds how many fully parsed runs stay in memory.
	CacheSize int

	// Parallelism bounds concurrent file reads during refresh.
	Parallelism int

	// Debounce coalesces bursts of file-system events into one refresh.
	Debounce time.Duration
}

// Option configures a Store.
type Option func(*Options)

// WithCodec sets the line codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithPattern sets the log file glob, e.g. "scan_*.jsonl".
func WithPattern(pattern string) Option {
	return func(o *Options) { o.Pattern = pattern }
}

// WithPageSize sets the rows-per-page target for assembled pages.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithCacheSize bounds the number of parsed runs kept in memory.
func WithCacheSize(n int) Option {
	return func(o *Options) { o.CacheSize = n }
}

// WithParallelism bounds concurrent file reads during refresh.
func WithParallelism(n int) Option {
	return func(o *Options) { o.Parallelism = n }
}

// WithDebounce sets the watch coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(o *Options) { o.Debounce = d }
}

func defaultOptions() Options {
	return Options{
		Codec:       codec.Default,
		Logger:      slog.New(slog.DiscardHandler),
		Pattern:     "*.jsonl",
		PageSize:    stream.DefaultPageSize,
		CacheSize:   64,
		Parallelism: runtime.GOMAXPROCS(0),
		Debounce:    250 * time.Millisecond,
	}
}

// Store serves runs from a collection of append logs.
type Store struct {
	dir   string
	blobs blobstore.Store
	opts  Options
	log   *slog.Logger
	codec codec.Codec

	loader *loader
	state  atomic.Pointer[indexState]

	refreshMu sync.Mutex

	cache *lru.Cache[string, *runData]

	// Resolution maps locate a descriptor or resource uid's log without
	// re-reading it. They are filled as runs load and invalidated per log
	// on change.
	resMu     sync.Mutex
	descToLog map[string]string
	resToLog  map[string]string
	logUnits  map[string][]string

	closed atomic.Bool
}

var _ backend.Store = (*Store)(nil)

// Open indexes a local directory of run logs and returns a ready store.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open catalog directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("open catalog directory: %s is not a directory", dir)
	}
	return open(ctx, dir, blobstore.NewLocalStore(dir), opts)
}

// OpenStore indexes run logs served by an arbitrary object store, such as
// s3.Store or a MemoryStore in tests. Watch is unavailable in this mode;
// call Refresh to pick up changes.
func OpenStore(ctx context.Context, blobs blobstore.Store, opts ...Option) (*Store, error) {
	return open(ctx, "", blobs, opts)
}

func open(ctx context.Context, dir string, blobs blobstore.Store, opts []Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.PageSize < 1 {
		o.PageSize = stream.DefaultPageSize
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}

	cache, err := lru.New[string, *runData](o.CacheSize)
	if err != nil {
		return nil, err
	}

	log := o.Logger
	if dir != "" {
		log = log.With("dir", dir)
	}

	s := &Store{
		dir:       dir,
		blobs:     blobs,
		opts:      o,
		log:       log,
		codec:     o.Codec,
		loader:    newLoader(blobs, o.Pattern, o.Codec, log, o.Parallelism),
		cache:     cache,
		descToLog: map[string]string{},
		resToLog:  map[string]string{},
		logUnits:  map[string][]string{},
	}
	s.state.Store(emptyIndexState())

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the local directory the store serves, or the empty string for
// a store opened over an object store.
func (s *Store) Dir() string {
	return s.dir
}

// Refresh re-stats the directory and folds changed files into the index.
// Unchanged files are not reopened.
func (s *Store) Refresh(ctx context.Context) error {
	if s.closed.Load() {
		return backend.ErrClosed
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	begin := time.Now()
	updates, removed, err := s.loader.scan(ctx)
	if err != nil {
		s.log.Error("refresh failed", "error", err)
		return err
	}

	if len(updates) > 0 || len(removed) > 0 {
		next := s.state.Load().apply(updates, removed)
		s.state.Store(next)
		for _, u := range updates {
			s.invalidateLog(u.name)
		}
		for _, name := range removed {
			s.invalidateLog(name)
		}
	}

	s.log.Debug("refresh completed",
		"changed", len(updates),
		"removed", len(removed),
		"runs", len(s.state.Load().order),
		"elapsed", time.Since(begin),
	)
	return nil
}

// Runs yields matching start documents, most recent first.
func (s *Store) Runs(ctx context.Context, q query.Query) iter.Seq2[document.Start, error] {
	return func(yield func(document.Start, error) bool) {
		if s.closed.Load() {
			yield(document.Start{}, backend.ErrClosed)
			return
		}
		state := s.state.Load()
		for _, pos := range state.candidates(q) {
			if err := ctx.Err(); err != nil {
				yield(document.Start{}, err)
				return
			}
			e := state.byUID[state.order[pos]]
			if !q.Matches(e.start.Fields) {
				continue
			}
			if !yield(e.start, nil) {
				return
			}
		}
	}
}

// CountRuns reports how many runs match q.
func (s *Store) CountRuns(ctx context.Context, q query.Query) (int, error) {
	if s.closed.Load() {
		return 0, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(s.state.Load().matchingUIDs(q)), nil
}

// RunStart returns the start document for an exact run uid.
func (s *Store) RunStart(ctx context.Context, runUID string) (document.Start, error) {
	if s.closed.Load() {
		return document.Start{}, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Start{}, err
	}
	e, ok := s.state.Load().byUID[runUID]
	if !ok {
		return document.Start{}, fmt.Errorf("run %q: %w", runUID, backend.ErrNotFound)
	}
	return e.start, nil
}

// UIDsWithPrefix returns up to limit run uids starting with prefix, most
// recent first.
func (s *Store) UIDsWithPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.state.Load().uidsWithPrefix(prefix, limit), nil
}

// RunStop returns the run's stop document, or ok == false while the run is
// still in progress.
func (s *Store) RunStop(ctx context.Context, runUID string) (document.Stop, bool, error) {
	if s.closed.Load() {
		return document.Stop{}, false, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Stop{}, false, err
	}
	e, ok := s.state.Load().byUID[runUID]
	if !ok {
		return document.Stop{}, false, fmt.Errorf("run %q: %w", runUID, backend.ErrNotFound)
	}
	if e.stop == nil {
		return document.Stop{}, false, nil
	}
	return *e.stop, true, nil
}

// Descriptors returns the run's stream descriptors in time order.
func (s *Store) Descriptors(ctx context.Context, runUID string) ([]document.Descriptor, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.state.Load().byUID[runUID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", runUID, backend.ErrNotFound)
	}
	data, err := s.loadRun(ctx, e.log)
	if err != nil {
		return nil, err
	}
	return data.descriptors, nil
}

// EventPages yields the descriptor's events as pages clipped to the row
// window.
func (s *Store) EventPages(ctx context.Context, descriptorUID string, skip, limit int64) iter.Seq2[document.EventPage, error] {
	return func(yield func(document.EventPage, error) bool) {
		data, err := s.dataForDescriptor(ctx, descriptorUID)
		if err != nil {
			yield(document.EventPage{}, err)
			return
		}
		pages := eventPagesSeq(ctx, data.events[descriptorUID])
		for page, err := range stream.ClipEventPages(pages, skip, limit) {
			if !yield(page, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// EventCount reports the number of events in the descriptor's stream.
func (s *Store) EventCount(ctx context.Context, descriptorUID string) (int64, error) {
	data, err := s.dataForDescriptor(ctx, descriptorUID)
	if err != nil {
		return 0, err
	}
	return data.eventCounts[descriptorUID], nil
}

// Resources returns the run's resource documents, ordered by uid.
func (s *Store) Resources(ctx context.Context, runUID string) ([]document.Resource, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.state.Load().byUID[runUID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", runUID, backend.ErrNotFound)
	}
	data, err := s.loadRun(ctx, e.log)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(data.resources))
	for uid := range data.resources {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	out := make([]document.Resource, len(uids))
	for i, uid := range uids {
		out[i] = data.resources[uid]
	}
	return out, nil
}

// Resource returns the resource document with the given uid.
func (s *Store) Resource(ctx context.Context, uid string) (document.Resource, error) {
	data, err := s.dataForResource(ctx, uid)
	if err != nil {
		return document.Resource{}, err
	}
	return data.resources[uid], nil
}

// ResourceForDatum maps a datum id to its resource uid.
func (s *Store) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	if s.closed.Load() {
		return "", backend.ErrClosed
	}

	// Cached runs first; the datum usually belongs to a run already open.
	for _, name := range s.cache.Keys() {
		if data, ok := s.cache.Peek(name); ok {
			if res, ok := data.datumOwner[datumID]; ok {
				return res, nil
			}
		}
	}

	state := s.state.Load()
	for _, uid := range state.order {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := s.loadRun(ctx, state.byUID[uid].log)
		if err != nil {
			return "", err
		}
		if res, ok := data.datumOwner[datumID]; ok {
			return res, nil
		}
	}
	return "", fmt.Errorf("datum %q: %w", datumID, backend.ErrNotFound)
}

// DatumPages yields the resource's datum documents as pages clipped to the
// row window.
func (s *Store) DatumPages(ctx context.Context, resourceUID string, skip, limit int64) iter.Seq2[document.DatumPage, error] {
	return func(yield func(document.DatumPage, error) bool) {
		data, err := s.dataForResource(ctx, resourceUID)
		if err != nil {
			yield(document.DatumPage{}, err)
			return
		}
		pages := datumPagesSeq(ctx, data.datums[resourceUID])
		for page, err := range stream.ClipDatumPages(pages, skip, limit) {
			if !yield(page, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Close releases the store. In-flight readers finish against their current
// snapshot.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Purge()
	return nil
}

// loadRun returns the parsed log for name, from cache when possible.
func (s *Store) loadRun(ctx context.Context, name string) (*runData, error) {
	if data, ok := s.cache.Get(name); ok {
		return data, nil
	}
	data, err := parseRunLog(ctx, s.codec, s.blobs, name, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	s.cache.Add(name, data)
	s.registerLog(name, data)
	return data, nil
}

// registerLog records which descriptor and resource uids live in a log.
// The maps outlive cache eviction; only a log change clears them.
func (s *Store) registerLog(name string, data *runData) {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	if _, ok := s.logUnits[name]; ok {
		return
	}
	var units []string
	for _, desc := range data.descriptors {
		s.descToLog[desc.UID] = name
		units = append(units, desc.UID)
	}
	for uid := range data.resources {
		s.resToLog[uid] = name
		units = append(units, uid)
	}
	s.logUnits[name] = units
}

func (s *Store) invalidateLog(name string) {
	s.cache.Remove(name)

	s.resMu.Lock()
	defer s.resMu.Unlock()
	for _, uid := range s.logUnits[name] {
		if s.descToLog[uid] == name {
			delete(s.descToLog, uid)
		}
		if s.resToLog[uid] == name {
			delete(s.resToLog, uid)
		}
	}
	delete(s.logUnits, name)
}

// dataForDescriptor locates and loads the run containing a descriptor.
func (s *Store) dataForDescriptor(ctx context.Context, descriptorUID string) (*runData, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	name, err := s.resolve(ctx, descriptorUID, s.lookupDescLog)
	if err != nil {
		return nil, fmt.Errorf("descriptor %q: %w", descriptorUID, err)
	}
	return s.loadRun(ctx, name)
}

// dataForResource locates and loads the run containing a resource.
func (s *Store) dataForResource(ctx context.Context, resourceUID string) (*runData, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	name, err := s.resolve(ctx, resourceUID, s.lookupResLog)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", resourceUID, err)
	}
	return s.loadRun(ctx, name)
}

func (s *Store) lookupDescLog(uid string) (string, bool) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	name, ok := s.descToLog[uid]
	return name, ok
}

func (s *Store) lookupResLog(uid string) (string, bool) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	name, ok := s.resToLog[uid]
	return name, ok
}

// resolve finds the log containing uid, sweeping unopened runs newest
// first when the resolution maps have not seen it yet.
func (s *Store) resolve(ctx context.Context, uid string, lookup func(string) (string, bool)) (string, error) {
	if name, ok := lookup(uid); ok {
		return name, nil
	}

	state := s.state.Load()
	for _, runUID := range state.order {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := state.byUID[runUID].log

		s.resMu.Lock()
		_, known := s.logUnits[name]
		s.resMu.Unlock()
		if known {
			continue
		}

		if _, err := s.loadRun(ctx, name); err != nil {
			return "", err
		}
		if got, ok := lookup(uid); ok {
			return got, nil
		}
	}
	return "", backend.ErrNotFound
}

func eventPagesSeq(ctx context.Context, pages []document.EventPage) iter.Seq2[document.EventPage, error] {
	return func(yield func(document.EventPage, error) bool) {
		for _, p := range pages {
			if err := ctx.Err(); err != nil {
				yield(document.EventPage{}, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func datumPagesSeq(ctx context.Context, pages []document.DatumPage) iter.Seq2[document.DatumPage, error] {
	return func(yield func(document.DatumPage, error) bool) {
		for _, p := range pages {
			if err := ctx.Err(); err != nil {
				yield(document.DatumPage{}, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}
