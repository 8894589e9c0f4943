package pebblestore

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/document"
)

// writerBatchBytes is the batch size at which buffered writes are committed
// to the database mid-run.
const writerBatchBytes = 4 << 20

// Writer ingests one run into the store. Documents must arrive in
// acquisition order: start first, each descriptor before its events, each
// resource before its datum documents, stop last. Rows are repacked into
// pages of the store's page size; producer page boundaries are not kept.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	s *Store
	c codec.Codec

	pageSize int
	batch    *pebble.Batch

	runUID  string
	started bool
	stopped bool
	closed  bool

	events map[string]*eventStream
	datums map[string]*datumStream
}

type eventStream struct {
	external []string
	rows     []document.Event
	flushed  int64
}

type datumStream struct {
	rows    []document.Datum
	flushed int64
}

// NewWriter starts ingesting a run. Close releases the writer; Flush or
// Close makes buffered rows visible to readers.
func (s *Store) NewWriter() (*Writer, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	return &Writer{
		s:        s,
		c:        s.codec,
		pageSize: s.opts.PageSize,
		batch:    s.db.NewBatch(),
		events:   map[string]*eventStream{},
		datums:   map[string]*datumStream{},
	}, nil
}

// RunUID returns the uid of the run being written, once the start document
// has been seen.
func (w *Writer) RunUID() string {
	return w.runUID
}

func (w *Writer) writable() error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if w.stopped {
		return fmt.Errorf("run %q already has a stop document", w.runUID)
	}
	return nil
}

// WriteStart begins the run.
func (w *Writer) WriteStart(start document.Start) error {
	if err := w.writable(); err != nil {
		return err
	}
	if w.started {
		return fmt.Errorf("run %q already has a start document", w.runUID)
	}
	if start.UID == "" {
		return fmt.Errorf("start document missing uid")
	}
	body, err := w.c.Marshal(start.AsFields())
	if err != nil {
		return err
	}
	if err := w.batch.Set(keyStart(start.UID), body, nil); err != nil {
		return err
	}
	if err := w.batch.Set(keyOrder(start.Time, start.UID), body, nil); err != nil {
		return err
	}
	w.runUID = start.UID
	w.started = true
	return nil
}

// WriteDescriptor registers a stream of the run.
func (w *Writer) WriteDescriptor(desc document.Descriptor) error {
	if err := w.writable(); err != nil {
		return err
	}
	if !w.started {
		return fmt.Errorf("descriptor %q before start document", desc.UID)
	}
	if desc.UID == "" {
		return fmt.Errorf("descriptor document missing uid")
	}
	if desc.RunStart != "" && desc.RunStart != w.runUID {
		return fmt.Errorf("descriptor %q belongs to run %q, writer is for %q", desc.UID, desc.RunStart, w.runUID)
	}
	if _, ok := w.events[desc.UID]; ok {
		return fmt.Errorf("descriptor %q already written", desc.UID)
	}
	body, err := w.c.Marshal(desc.AsFields())
	if err != nil {
		return err
	}
	if err := w.batch.Set(keyDescriptor(w.runUID, desc.Time, desc.UID), body, nil); err != nil {
		return err
	}
	// The count key doubles as the stream's existence marker.
	if err := w.batch.Set(keyEventCount(desc.UID), be8(0), nil); err != nil {
		return err
	}
	w.events[desc.UID] = &eventStream{external: desc.ExternalKeys()}
	return nil
}

// WriteEvent appends one event to its descriptor's stream.
func (w *Writer) WriteEvent(ev document.Event) error {
	if err := w.writable(); err != nil {
		return err
	}
	st, ok := w.events[ev.Descriptor]
	if !ok {
		return fmt.Errorf("event %q references unknown descriptor %q", ev.UID, ev.Descriptor)
	}
	w.appendEvent(st, ev)
	return w.flushEventPages(ev.Descriptor, st, false)
}

// WriteEventPage appends a page of events. The page is validated, then
// repacked; its own index range is ignored.
func (w *Writer) WriteEventPage(p document.EventPage) error {
	if err := w.writable(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	st, ok := w.events[p.Descriptor]
	if !ok {
		return fmt.Errorf("event page references unknown descriptor %q", p.Descriptor)
	}
	for ev := range p.Events() {
		w.appendEvent(st, ev)
	}
	return w.flushEventPages(p.Descriptor, st, false)
}

func (w *Writer) appendEvent(st *eventStream, ev document.Event) {
	if ev.Filled == nil && len(st.external) > 0 {
		ev.Filled = make(map[string]bool, len(st.external))
		for _, key := range st.external {
			ev.Filled[key] = false
		}
	}
	st.rows = append(st.rows, ev)
}

// WriteResource registers an external asset of the run.
func (w *Writer) WriteResource(res document.Resource) error {
	if err := w.writable(); err != nil {
		return err
	}
	if !w.started {
		return fmt.Errorf("resource %q before start document", res.UID)
	}
	if res.UID == "" {
		return fmt.Errorf("resource document missing uid")
	}
	if res.RunStart != "" && res.RunStart != w.runUID {
		return fmt.Errorf("resource %q belongs to run %q, writer is for %q", res.UID, res.RunStart, w.runUID)
	}
	if _, ok := w.datums[res.UID]; ok {
		return fmt.Errorf("resource %q already written", res.UID)
	}
	body, err := w.c.Marshal(res.AsFields())
	if err != nil {
		return err
	}
	if err := w.batch.Set(keyResource(res.UID), body, nil); err != nil {
		return err
	}
	if err := w.batch.Set(keyRunResource(w.runUID, res.UID), body, nil); err != nil {
		return err
	}
	w.datums[res.UID] = &datumStream{}
	return nil
}

// WriteDatum appends one datum to its resource's stream.
func (w *Writer) WriteDatum(d document.Datum) error {
	if err := w.writable(); err != nil {
		return err
	}
	st, ok := w.datums[d.Resource]
	if !ok {
		return fmt.Errorf("datum %q references unknown resource %q", d.DatumID, d.Resource)
	}
	if err := w.batch.Set(keyDatumOwner(d.DatumID), []byte(d.Resource), nil); err != nil {
		return err
	}
	st.rows = append(st.rows, d)
	return w.flushDatumPages(d.Resource, st, false)
}

// WriteDatumPage appends a page of datum documents. The page is validated,
// then repacked; its own index range is ignored.
func (w *Writer) WriteDatumPage(p document.DatumPage) error {
	if err := w.writable(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	st, ok := w.datums[p.Resource]
	if !ok {
		return fmt.Errorf("datum page references unknown resource %q", p.Resource)
	}
	for d := range p.Datums() {
		if err := w.batch.Set(keyDatumOwner(d.DatumID), []byte(d.Resource), nil); err != nil {
			return err
		}
		st.rows = append(st.rows, d)
	}
	return w.flushDatumPages(p.Resource, st, false)
}

// WriteStop finishes the run and commits everything still buffered. When
// the store was opened with WithSync(true) the commit also syncs the WAL.
func (w *Writer) WriteStop(stop document.Stop) error {
	if err := w.writable(); err != nil {
		return err
	}
	if !w.started {
		return fmt.Errorf("stop document before start document")
	}
	if stop.RunStart != "" && stop.RunStart != w.runUID {
		return fmt.Errorf("stop document belongs to run %q, writer is for %q", stop.RunStart, w.runUID)
	}
	if err := w.flushPartial(); err != nil {
		return err
	}
	body, err := w.c.Marshal(stop.AsFields())
	if err != nil {
		return err
	}
	if err := w.batch.Set(keyStop(w.runUID), body, nil); err != nil {
		return err
	}
	w.stopped = true
	return w.commit(w.s.opts.Sync)
}

// Flush commits everything buffered so far, closing the current partial
// page of each stream. Later rows start a new page, so pages still tile
// their streams; flushing often just yields shorter pages.
func (w *Writer) Flush() error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if err := w.flushPartial(); err != nil {
		return err
	}
	return w.commit(false)
}

// Close commits any remaining buffered rows and releases the writer. A run
// closed without a stop document stays readable as in progress.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushPartial(); err != nil {
		w.batch.Close()
		return err
	}
	if err := w.batch.Commit(commitOpts(w.s.opts.Sync)); err != nil {
		w.batch.Close()
		return err
	}
	return w.batch.Close()
}

func (w *Writer) flushPartial() error {
	for uid, st := range w.events {
		if err := w.flushEventPages(uid, st, true); err != nil {
			return err
		}
	}
	for uid, st := range w.datums {
		if err := w.flushDatumPages(uid, st, true); err != nil {
			return err
		}
	}
	return nil
}

// flushEventPages writes out full pages of the stream's buffer, or all of
// it when partial is set. Pages are renumbered from the writer's own
// counters so consecutive pages tile the stream.
func (w *Writer) flushEventPages(desc string, st *eventStream, partial bool) error {
	for len(st.rows) >= w.pageSize || (partial && len(st.rows) > 0) {
		n := w.pageSize
		if n > len(st.rows) {
			n = len(st.rows)
		}
		page := document.BuildEventPage(st.rows[:n], st.flushed)
		body, err := w.c.Marshal(page)
		if err != nil {
			return err
		}
		if err := w.batch.Set(keyEventPage(desc, uint64(st.flushed)), body, nil); err != nil {
			return err
		}
		st.flushed += int64(n)
		st.rows = st.rows[n:]
		if err := w.batch.Set(keyEventCount(desc), be8(uint64(st.flushed)), nil); err != nil {
			return err
		}
		if err := w.maybeCommit(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushDatumPages(res string, st *datumStream, partial bool) error {
	for len(st.rows) >= w.pageSize || (partial && len(st.rows) > 0) {
		n := w.pageSize
		if n > len(st.rows) {
			n = len(st.rows)
		}
		page := document.BuildDatumPage(st.rows[:n], st.flushed)
		body, err := w.c.Marshal(page)
		if err != nil {
			return err
		}
		if err := w.batch.Set(keyDatumPage(res, uint64(st.flushed)), body, nil); err != nil {
			return err
		}
		st.flushed += int64(n)
		st.rows = st.rows[n:]
		if err := w.maybeCommit(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) maybeCommit() error {
	if w.batch.Len() < writerBatchBytes {
		return nil
	}
	return w.commit(false)
}

func (w *Writer) commit(sync bool) error {
	if err := w.batch.Commit(commitOpts(sync)); err != nil {
		return err
	}
	if err := w.batch.Close(); err != nil {
		return err
	}
	w.batch = w.s.db.NewBatch()
	return nil
}

func commitOpts(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func be8(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
