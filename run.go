package rungo

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/stream"
)

// Run is a handle on one run of the catalog. It is cheap to copy around: the
// start document is held in memory, everything else is read from the backend
// on demand.
type Run struct {
	c     *Catalog
	start document.Start
	log   *Logger
}

// UID returns the run's uid, its primary key in the catalog.
func (r *Run) UID() string {
	return r.start.UID
}

// Start returns the run's start document.
func (r *Run) Start() document.Start {
	return r.start
}

// ScanID returns the run's scan id, if the start document carries one.
func (r *Run) ScanID() (uint64, bool) {
	return r.start.ScanID()
}

// Stop returns the run's stop document. A run still in progress reports
// ok == false with a nil error.
func (r *Run) Stop(ctx context.Context) (stop document.Stop, ok bool, err error) {
	stop, ok, err = r.c.store.RunStop(ctx, r.start.UID)
	return stop, ok, translateError(err)
}

// Descriptors returns the run's stream descriptors in time order.
func (r *Run) Descriptors(ctx context.Context) ([]document.Descriptor, error) {
	descs, err := r.c.store.Descriptors(ctx, r.start.UID)
	return descs, translateError(err)
}

// Streams returns the distinct stream names of the run, in first-seen order.
func (r *Run) Streams(ctx context.Context) ([]string, error) {
	descs, err := r.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		names = append(names, d.Name)
	}
	return names, nil
}

// EventCount reports how many events the descriptor's stream holds.
func (r *Run) EventCount(ctx context.Context, descriptorUID string) (int64, error) {
	n, err := r.c.store.EventCount(ctx, descriptorUID)
	return n, translateError(err)
}

// Events yields the run's events in ascending time order, merged across the
// selected streams. Ties on time keep descriptor order. Skip and Limit apply
// to each selected stream separately.
func (r *Run) Events(ctx context.Context, optFns ...func(*ReadOptions)) iter.Seq2[document.Event, error] {
	opts := applyReadOptions(optFns)
	return func(yield func(document.Event, error) bool) {
		descs, err := r.selectDescriptors(ctx, opts.Streams)
		if err != nil {
			yield(document.Event{}, err)
			return
		}
		sources := make([]iter.Seq2[document.Event, error], len(descs))
		for i, d := range descs {
			sources[i] = stream.FlattenEventPages(r.c.store.EventPages(ctx, d.UID, opts.Skip, opts.Limit))
		}
		for ev, err := range translateSeq(stream.MergeEvents(sources...)) {
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// EventPages yields the run's events as pages: each stream's pages are
// repacked to the effective page size, then the streams are merged by the
// time of each page's first event. Pages never mix streams; the Descriptor
// field says which stream a page belongs to.
func (r *Run) EventPages(ctx context.Context, optFns ...func(*ReadOptions)) iter.Seq2[document.EventPage, error] {
	opts := applyReadOptions(optFns)
	size := opts.PageSize
	if size < 1 {
		size = r.c.pageSize
	}
	return func(yield func(document.EventPage, error) bool) {
		descs, err := r.selectDescriptors(ctx, opts.Streams)
		if err != nil {
			yield(document.EventPage{}, err)
			return
		}
		sources := make([]iter.Seq2[document.EventPage, error], len(descs))
		for i, d := range descs {
			sources[i] = stream.RepackEventPages(r.c.store.EventPages(ctx, d.UID, opts.Skip, opts.Limit), size)
		}
		for page, err := range translateSeq(stream.MergeEventPages(sources...)) {
			if !yield(page, err) || err != nil {
				return
			}
		}
	}
}

// Resources returns the run's resource documents, ordered by uid.
func (r *Run) Resources(ctx context.Context) ([]document.Resource, error) {
	res, err := r.c.store.Resources(ctx, r.start.UID)
	return res, translateError(err)
}

// Resource returns one resource document by uid.
func (r *Run) Resource(ctx context.Context, uid string) (document.Resource, error) {
	res, err := r.c.store.Resource(ctx, uid)
	return res, translateError(err)
}

// ResourceForDatum maps a datum id to the uid of the resource it resolves
// through.
func (r *Run) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	uid, err := r.c.store.ResourceForDatum(ctx, datumID)
	return uid, translateError(err)
}

// Datums yields the resource's datum documents in stream order.
func (r *Run) Datums(ctx context.Context, resourceUID string) iter.Seq2[document.Datum, error] {
	return translateSeq(stream.FlattenDatumPages(r.c.store.DatumPages(ctx, resourceUID, 0, -1)))
}

// DatumPages yields the resource's datum documents as pages repacked to the
// effective page size.
func (r *Run) DatumPages(ctx context.Context, resourceUID string, optFns ...func(*ReadOptions)) iter.Seq2[document.DatumPage, error] {
	opts := applyReadOptions(optFns)
	size := opts.PageSize
	if size < 1 {
		size = r.c.pageSize
	}
	return translateSeq(stream.RepackDatumPages(r.c.store.DatumPages(ctx, resourceUID, opts.Skip, opts.Limit), size))
}

// LoadDatum resolves a datum reference to its value through the catalog's
// handler registry: datum -> resource -> handler for the resource's spec.
func (r *Run) LoadDatum(ctx context.Context, datumID string) (any, error) {
	if r.c.handlers == nil {
		return nil, fmt.Errorf("%w: no handler registry configured", ErrMisconfigured)
	}
	resourceUID, err := r.ResourceForDatum(ctx, datumID)
	if err != nil {
		return nil, err
	}
	res, err := r.Resource(ctx, resourceUID)
	if err != nil {
		return nil, err
	}
	h, err := r.c.handlers.Get(res.Spec)
	if err != nil {
		return nil, err
	}
	d, err := r.findDatum(ctx, resourceUID, datumID)
	if err != nil {
		return nil, err
	}
	r.log.Debug("loading datum", "datum", datumID, "spec", res.Spec)
	return h.Load(ctx, res, d.DatumKwargs)
}

func (r *Run) findDatum(ctx context.Context, resourceUID, datumID string) (document.Datum, error) {
	// Ids written by this module are "<resource uid>/<ordinal>", which
	// addresses the row directly.
	if rest, ok := strings.CutPrefix(datumID, resourceUID+"/"); ok {
		if n, err := strconv.ParseInt(rest, 10, 64); err == nil && n >= 0 {
			for page, err := range r.c.store.DatumPages(ctx, resourceUID, n, 1) {
				if err != nil {
					return document.Datum{}, translateError(err)
				}
				if page.Len() > 0 && page.Row(0).DatumID == datumID {
					return page.Row(0), nil
				}
			}
		}
	}
	for d, err := range r.Datums(ctx, resourceUID) {
		if err != nil {
			return document.Datum{}, err
		}
		if d.DatumID == datumID {
			return d, nil
		}
	}
	return document.Datum{}, fmt.Errorf("%w: datum %q", ErrNotFound, datumID)
}

// Record is one document of a run's replay stream, tagged with its kind.
// Doc holds the corresponding document type: document.Start for KindStart,
// document.EventPage for KindEventPage, and so on.
type Record struct {
	Kind document.Kind
	Doc  any
}

// Documents replays the run as the document stream a consumer service would
// have received: start, descriptors in time order, each resource followed by
// its datum pages, event pages merged ascending by time, and finally the
// stop document if the run has one.
//
// Datum pages precede event pages so a consumer resolving filled fields has
// every reference at hand by the time events arrive.
func (r *Run) Documents(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		fail := func(err error) {
			yield(Record{}, err)
		}
		if !yield(Record{Kind: document.KindStart, Doc: r.start}, nil) {
			return
		}

		descs, err := r.Descriptors(ctx)
		if err != nil {
			fail(err)
			return
		}
		for _, d := range descs {
			if !yield(Record{Kind: document.KindDescriptor, Doc: d}, nil) {
				return
			}
		}

		resources, err := r.Resources(ctx)
		if err != nil {
			fail(err)
			return
		}
		for _, res := range resources {
			if !yield(Record{Kind: document.KindResource, Doc: res}, nil) {
				return
			}
			for page, err := range r.DatumPages(ctx, res.UID) {
				if err != nil {
					fail(err)
					return
				}
				if !yield(Record{Kind: document.KindDatumPage, Doc: page}, nil) {
					return
				}
			}
		}

		for page, err := range r.EventPages(ctx) {
			if err != nil {
				fail(err)
				return
			}
			if !yield(Record{Kind: document.KindEventPage, Doc: page}, nil) {
				return
			}
		}

		stop, ok, err := r.Stop(ctx)
		if err != nil {
			fail(err)
			return
		}
		if ok {
			yield(Record{Kind: document.KindStop, Doc: stop}, nil)
		}
	}
}

func (r *Run) selectDescriptors(ctx context.Context, streams []string) ([]document.Descriptor, error) {
	descs, err := r.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return descs, nil
	}
	byName := make(map[string][]document.Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = append(byName[d.Name], d)
	}
	var out []document.Descriptor
	for _, name := range streams {
		matched, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: run %q has no stream %q", ErrNotFound, r.start.UID, name)
		}
		out = append(out, matched...)
	}
	return out, nil
}
