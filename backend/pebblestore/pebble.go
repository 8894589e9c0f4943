// Package pebblestore implements the embedded key-value backend on Pebble.
// Documents are laid out in an ordered keyspace (see keys.go) so every
// catalog listing is a single range scan: runs newest first, descriptors in
// time order, pages by row index. Writes go through RunWriter and are
// visible to readers immediately, so Refresh is a no-op.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
	"github.com/hupe1980/rungo/stream"
)

// Options configures a Store.
type Options struct {
	// Codec encodes document bodies. Nil adopts the codec recorded in the
	// store, or codec.Default for a new store.
	Codec codec.Codec

	// Logger receives structured store logs. Defaults to a discarding logger.
	Logger *slog.Logger

	// PageSize is the rows-per-page target for ingested pages.
	PageSize int

	// Sync forces a WAL fsync when a run's stop document is committed.
	// Intermediate page writes always ride the WAL without forced syncs.
	Sync bool

	// Pebble tunes the underlying database. Nil gets Pebble's defaults.
	Pebble *pebble.Options
}

// Option configures a Store.
type Option func(*Options)

// WithCodec sets the document body codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithPageSize sets the rows-per-page target for ingested pages.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithSync forces a WAL fsync when committing a run's stop document.
func WithSync(sync bool) Option {
	return func(o *Options) { o.Sync = sync }
}

// WithPebbleOptions overrides the underlying database tuning.
func WithPebbleOptions(po *pebble.Options) Option {
	return func(o *Options) { o.Pebble = po }
}

func defaultOptions() Options {
	return Options{
		Logger:   slog.New(slog.DiscardHandler),
		PageSize: stream.DefaultPageSize,
	}
}

// Store serves runs from an embedded Pebble database.
type Store struct {
	dir   string
	opts  Options
	log   *slog.Logger
	codec codec.Codec

	db     *pebble.DB
	closed atomic.Bool
}

var _ backend.Store = (*Store)(nil)

// Open creates or opens the database directory.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if dir == "" {
		return nil, errors.New("pebblestore: database directory is required")
	}
	if o.PageSize < 1 {
		o.PageSize = stream.DefaultPageSize
	}

	po := o.Pebble
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	s := &Store{
		dir:  dir,
		opts: o,
		log:  o.Logger.With("dir", dir),
		db:   db,
	}
	if err := s.initCodec(o.Codec); err != nil {
		db.Close()
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return s, nil
}

// initCodec resolves the document codec. A store records the name of the
// codec it was created with; an open without an explicit codec adopts the
// recorded one, and an explicit choice is recorded for later opens.
func (s *Store) initCodec(chosen codec.Codec) error {
	recorded, err := s.get(keyMeta(metaCodec))
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	if chosen == nil {
		if len(recorded) > 0 {
			c, ok := codec.ByName(string(recorded))
			if !ok {
				return fmt.Errorf("store was written with unknown codec %q", recorded)
			}
			s.codec = c
			return nil
		}
		chosen = codec.Default
	}
	s.codec = chosen
	if string(recorded) == chosen.Name() {
		return nil
	}
	return s.db.Set(keyMeta(metaCodec), []byte(chosen.Name()), pebble.NoSync)
}

// Dir returns the database directory.
func (s *Store) Dir() string {
	return s.dir
}

// get copies the value for key. Missing keys are backend.ErrNotFound.
func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) newIter(lower, upper []byte) (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
}

// Runs yields matching start documents, most recent first. Time clauses
// narrow the scan to the covering slice of the order index; every candidate
// is still re-checked against the full query.
func (s *Store) Runs(ctx context.Context, q query.Query) iter.Seq2[document.Start, error] {
	return func(yield func(document.Start, error) bool) {
		if s.closed.Load() {
			yield(document.Start{}, backend.ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(document.Start{}, err)
			return
		}

		lower := append([]byte(nil), orderPrefix...)
		upper := prefixUpperBound(orderPrefix)
		if lo, hi, hasLo, hasHi := q.TimeRange(); hasLo || hasHi {
			if hasHi {
				// Newer runs sort first, so the upper time bound is the
				// lower key bound.
				lower = keyOrderAt(hi)
			}
			if hasLo {
				upper = prefixUpperBound(keyOrderAt(lo))
			}
		}

		it, err := s.newIter(lower, upper)
		if err != nil {
			yield(document.Start{}, err)
			return
		}
		defer it.Close()

		for ok := it.First(); ok; ok = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(document.Start{}, err)
				return
			}
			start, err := decodeStartBody(s.codec, it.Value())
			if err != nil {
				yield(document.Start{}, &backend.MalformedRecordError{Path: string(it.Key()), Err: err})
				return
			}
			if !q.Matches(start.Fields) {
				continue
			}
			if !yield(start, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(document.Start{}, err)
		}
	}
}

// CountRuns reports how many runs match q.
func (s *Store) CountRuns(ctx context.Context, q query.Query) (int, error) {
	n := 0
	for _, err := range s.Runs(ctx, q) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// RunStart returns the start document for an exact run uid.
func (s *Store) RunStart(ctx context.Context, runUID string) (document.Start, error) {
	if s.closed.Load() {
		return document.Start{}, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Start{}, err
	}
	body, err := s.get(keyStart(runUID))
	if err != nil {
		return document.Start{}, fmt.Errorf("run %q: %w", runUID, err)
	}
	return decodeStartBody(s.codec, body)
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

	lower := append(append([]byte(nil), startPrefix...), prefix...)
	it, err := s.newIter(lower, prefixUpperBound(lower))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	type match struct {
		uid  string
		time float64
	}
	var matches []match
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start, err := decodeStartBody(s.codec, it.Value())
		if err != nil {
			return nil, &backend.MalformedRecordError{Path: string(it.Key()), Err: err}
		}
		matches = append(matches, match{uid: start.UID, time: start.Time})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].time != matches[j].time {
			return matches[i].time > matches[j].time
		}
		return matches[i].uid < matches[j].uid
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	uids := make([]string, len(matches))
	for i, m := range matches {
		uids[i] = m.uid
	}
	return uids, nil
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

	body, err := s.get(keyStop(runUID))
	if errors.Is(err, backend.ErrNotFound) {
		if _, err := s.get(keyStart(runUID)); err != nil {
			return document.Stop{}, false, fmt.Errorf("run %q: %w", runUID, err)
		}
		return document.Stop{}, false, nil
	}
	if err != nil {
		return document.Stop{}, false, err
	}
	stop, err := decodeStopBody(s.codec, body)
	if err != nil {
		return document.Stop{}, false, err
	}
	return stop, true, nil
}

// Descriptors returns the run's stream descriptors in time order.
func (s *Store) Descriptors(ctx context.Context, runUID string) ([]document.Descriptor, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.get(keyStart(runUID)); err != nil {
		return nil, fmt.Errorf("run %q: %w", runUID, err)
	}

	prefix := keyDescriptorPrefix(runUID)
	it, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var descs []document.Descriptor
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := decodeDescriptorBody(s.codec, it.Value())
		if err != nil {
			return nil, &backend.MalformedRecordError{Path: string(it.Key()), Err: err}
		}
		descs = append(descs, desc)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return descs, nil
}

// EventPages yields the descriptor's events as pages clipped to the row
// window. The scan seeks straight to the page covering the first wanted row.
func (s *Store) EventPages(ctx context.Context, descriptorUID string, skip, limit int64) iter.Seq2[document.EventPage, error] {
	return func(yield func(document.EventPage, error) bool) {
		if s.closed.Load() {
			yield(document.EventPage{}, backend.ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(document.EventPage{}, err)
			return
		}
		if _, err := s.get(keyEventCount(descriptorUID)); err != nil {
			yield(document.EventPage{}, fmt.Errorf("descriptor %q: %w", descriptorUID, err))
			return
		}
		if skip < 0 {
			skip = 0
		}

		prefix := keyEventPagePrefix(descriptorUID)
		it, err := s.newIter(prefix, prefixUpperBound(prefix))
		if err != nil {
			yield(document.EventPage{}, err)
			return
		}
		defer it.Close()

		// The page covering row skip is the last one starting at or before
		// it. A miss means the stream has no pages at all.
		if !it.SeekLT(keyEventPage(descriptorUID, uint64(skip)+1)) {
			if err := it.Error(); err != nil {
				yield(document.EventPage{}, err)
			}
			return
		}

		var first document.EventPage
		if err := s.codec.Unmarshal(it.Value(), &first); err != nil {
			yield(document.EventPage{}, &backend.MalformedRecordError{Path: string(it.Key()), Err: err})
			return
		}

		pages := func(yield func(document.EventPage, error) bool) {
			if !yield(first, nil) {
				return
			}
			for it.Next() {
				if err := ctx.Err(); err != nil {
					yield(document.EventPage{}, err)
					return
				}
				var p document.EventPage
				if err := s.codec.Unmarshal(it.Value(), &p); err != nil {
					yield(document.EventPage{}, &backend.MalformedRecordError{Path: string(it.Key()), Err: err})
					return
				}
				if !yield(p, nil) {
					return
				}
			}
			if err := it.Error(); err != nil {
				yield(document.EventPage{}, err)
			}
		}

		for page, err := range stream.ClipEventPages(pages, skip-first.FirstIndex, limit) {
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
	if s.closed.Load() {
		return 0, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	body, err := s.get(keyEventCount(descriptorUID))
	if err != nil {
		return 0, fmt.Errorf("descriptor %q: %w", descriptorUID, err)
	}
	if len(body) != 8 {
		return 0, &backend.MalformedRecordError{Path: string(keyEventCount(descriptorUID)), Err: fmt.Errorf("count is %d bytes, want 8", len(body))}
	}
	return int64(binary.BigEndian.Uint64(body)), nil
}

// Resources returns the run's resource documents, ordered by uid.
func (s *Store) Resources(ctx context.Context, runUID string) ([]document.Resource, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.get(keyStart(runUID)); err != nil {
		return nil, fmt.Errorf("run %q: %w", runUID, err)
	}

	prefix := keyRunResourcePrefix(runUID)
	it, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var resources []document.Resource
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := decodeResourceBody(s.codec, it.Value())
		if err != nil {
			return nil, &backend.MalformedRecordError{Path: string(it.Key()), Err: err}
		}
		resources = append(resources, res)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return resources, nil
}

// Resource returns the resource document with the given uid.
func (s *Store) Resource(ctx context.Context, uid string) (document.Resource, error) {
	if s.closed.Load() {
		return document.Resource{}, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Resource{}, err
	}
	body, err := s.get(keyResource(uid))
	if err != nil {
		return document.Resource{}, fmt.Errorf("resource %q: %w", uid, err)
	}
	return decodeResourceBody(s.codec, body)
}

// ResourceForDatum maps a datum id to its resource uid.
func (s *Store) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	if s.closed.Load() {
		return "", backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, err := s.get(keyDatumOwner(datumID))
	if err != nil {
		return "", fmt.Errorf("datum %q: %w", datumID, err)
	}
	return string(owner), nil
}

// DatumPages yields the resource's datum documents as pages clipped to the
// row window.
func (s *Store) DatumPages(ctx context.Context, resourceUID string, skip, limit int64) iter.Seq2[document.DatumPage, error] {
	return func(yield func(document.DatumPage, error) bool) {
		if s.closed.Load() {
			yield(document.DatumPage{}, backend.ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(document.DatumPage{}, err)
			return
		}
		if _, err := s.get(keyResource(resourceUID)); err != nil {
			yield(document.DatumPage{}, fmt.Errorf("resource %q: %w", resourceUID, err))
			return
		}
		if skip < 0 {
			skip = 0
		}

		prefix := keyDatumPagePrefix(resourceUID)
		it, err := s.newIter(prefix, prefixUpperBound(prefix))
		if err != nil {
			yield(document.DatumPage{}, err)
			return
		}
		defer it.Close()

		if !it.SeekLT(keyDatumPage(resourceUID, uint64(skip)+1)) {
			if err := it.Error(); err != nil {
				yield(document.DatumPage{}, err)
			}
			return
		}

		var first document.DatumPage
		if err := s.codec.Unmarshal(it.Value(), &first); err != nil {
			yield(document.DatumPage{}, &backend.MalformedRecordError{Path: string(it.Key()), Err: err})
			return
		}

		pages := func(yield func(document.DatumPage, error) bool) {
			if !yield(first, nil) {
				return
			}
			for it.Next() {
				if err := ctx.Err(); err != nil {
					yield(document.DatumPage{}, err)
					return
				}
				var p document.DatumPage
				if err := s.codec.Unmarshal(it.Value(), &p); err != nil {
					yield(document.DatumPage{}, &backend.MalformedRecordError{Path: string(it.Key()), Err: err})
					return
				}
				if !yield(p, nil) {
					return
				}
			}
			if err := it.Error(); err != nil {
				yield(document.DatumPage{}, err)
			}
		}

		for page, err := range stream.ClipDatumPages(pages, skip-first.FirstIndex, limit) {
			if !yield(page, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Refresh is a no-op: writes commit through RunWriter into the same
// database and are visible to readers immediately.
func (s *Store) Refresh(ctx context.Context) error {
	if s.closed.Load() {
		return backend.ErrClosed
	}
	return ctx.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func decodeFieldsBody(c codec.Codec, body []byte) (map[string]any, error) {
	var fields map[string]any
	if err := c.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodeStartBody(c codec.Codec, body []byte) (document.Start, error) {
	fields, err := decodeFieldsBody(c, body)
	if err != nil {
		return document.Start{}, err
	}
	return document.StartFromFields(fields)
}

func decodeStopBody(c codec.Codec, body []byte) (document.Stop, error) {
	fields, err := decodeFieldsBody(c, body)
	if err != nil {
		return document.Stop{}, err
	}
	return document.StopFromFields(fields)
}

func decodeDescriptorBody(c codec.Codec, body []byte) (document.Descriptor, error) {
	fields, err := decodeFieldsBody(c, body)
	if err != nil {
		return document.Descriptor{}, err
	}
	return document.DescriptorFromFields(fields)
}

func decodeResourceBody(c codec.Codec, body []byte) (document.Resource, error) {
	fields, err := decodeFieldsBody(c, body)
	if err != nil {
		return document.Resource{}, err
	}
	return document.ResourceFromFields(fields)
}
