package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/document"
)

// Writer ingests one run into the table. Documents must arrive in
// acquisition order: start first, each descriptor before its events, each
// resource before its datum documents, stop last. Rows are repacked into
// pages of the store's page size; producer page boundaries are not kept.
//
// Every write is a table call, so all methods take a context. A Writer is
// not safe for concurrent use.
type Writer struct {
	s        *Store
	pageSize int

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
// Close pushes buffered rows to the table.
func (s *Store) NewWriter() (*Writer, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	return &Writer{
		s:        s,
		pageSize: s.opts.PageSize,
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

func (w *Writer) put(ctx context.Context, item map[string]types.AttributeValue) error {
	_, err := w.s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(w.s.table),
		Item:      item,
	})
	return err
}

func docItem(pk, sk string, fields map[string]any) (map[string]types.AttributeValue, error) {
	doc, err := docAttr(fields)
	if err != nil {
		return nil, err
	}
	item := itemKey(pk, sk)
	item[attrDoc] = doc
	return item, nil
}

// WriteStart begins the run.
func (w *Writer) WriteStart(ctx context.Context, start document.Start) error {
	if err := w.writable(); err != nil {
		return err
	}
	if w.started {
		return fmt.Errorf("run %q already has a start document", w.runUID)
	}
	if start.UID == "" {
		return fmt.Errorf("start document missing uid")
	}
	item, err := docItem(runPK(start.UID), skStart, start.AsFields())
	if err != nil {
		return err
	}
	item[attrGPK] = avS(gpkRun)
	item[attrGSK] = avS(orderSK(start.Time, start.UID))
	item[attrUID] = avS(start.UID)
	if err := w.put(ctx, item); err != nil {
		return err
	}
	w.runUID = start.UID
	w.started = true
	return nil
}

// WriteDescriptor registers a stream of the run.
func (w *Writer) WriteDescriptor(ctx context.Context, desc document.Descriptor) error {
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
	item, err := docItem(runPK(w.runUID), descSK(desc.Time, desc.UID), desc.AsFields())
	if err != nil {
		return err
	}
	if err := w.put(ctx, item); err != nil {
		return err
	}
	// The count item doubles as the stream's existence marker.
	count := itemKey(descPK(desc.UID), skCount)
	count[attrEvents] = avN(0)
	if err := w.put(ctx, count); err != nil {
		return err
	}
	w.events[desc.UID] = &eventStream{external: desc.ExternalKeys()}
	return nil
}

// WriteEvent appends one event to its descriptor's stream.
func (w *Writer) WriteEvent(ctx context.Context, ev document.Event) error {
	if err := w.writable(); err != nil {
		return err
	}
	st, ok := w.events[ev.Descriptor]
	if !ok {
		return fmt.Errorf("event %q references unknown descriptor %q", ev.UID, ev.Descriptor)
	}
	w.appendEvent(st, ev)
	return w.flushEventPages(ctx, ev.Descriptor, st, false)
}

// WriteEventPage appends a page of events. The page is validated, then
// repacked; its own index range is ignored.
func (w *Writer) WriteEventPage(ctx context.Context, p document.EventPage) error {
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
	return w.flushEventPages(ctx, p.Descriptor, st, false)
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
func (w *Writer) WriteResource(ctx context.Context, res document.Resource) error {
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
	member, err := docItem(runPK(w.runUID), resSK(res.UID), res.AsFields())
	if err != nil {
		return err
	}
	if err := w.put(ctx, member); err != nil {
		return err
	}
	global, err := docItem(resPK(res.UID), skDoc, res.AsFields())
	if err != nil {
		return err
	}
	if err := w.put(ctx, global); err != nil {
		return err
	}
	w.datums[res.UID] = &datumStream{}
	return nil
}

// WriteDatum appends one datum to its resource's stream.
func (w *Writer) WriteDatum(ctx context.Context, d document.Datum) error {
	if err := w.writable(); err != nil {
		return err
	}
	st, ok := w.datums[d.Resource]
	if !ok {
		return fmt.Errorf("datum %q references unknown resource %q", d.DatumID, d.Resource)
	}
	owner := itemKey(datumPK(d.DatumID), skOwner)
	owner[attrResource] = avS(d.Resource)
	if err := w.put(ctx, owner); err != nil {
		return err
	}
	st.rows = append(st.rows, d)
	return w.flushDatumPages(ctx, d.Resource, st, false)
}

// WriteDatumPage appends a page of datum documents. The page is validated,
// then repacked; its own index range is ignored.
func (w *Writer) WriteDatumPage(ctx context.Context, p document.DatumPage) error {
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
		owner := itemKey(datumPK(d.DatumID), skOwner)
		owner[attrResource] = avS(d.Resource)
		if err := w.put(ctx, owner); err != nil {
			return err
		}
		st.rows = append(st.rows, d)
	}
	return w.flushDatumPages(ctx, p.Resource, st, false)
}

// WriteStop finishes the run and pushes everything still buffered.
func (w *Writer) WriteStop(ctx context.Context, stop document.Stop) error {
	if err := w.writable(); err != nil {
		return err
	}
	if !w.started {
		return fmt.Errorf("stop document before start document")
	}
	if stop.RunStart != "" && stop.RunStart != w.runUID {
		return fmt.Errorf("stop document belongs to run %q, writer is for %q", stop.RunStart, w.runUID)
	}
	if err := w.flushPartial(ctx); err != nil {
		return err
	}
	item, err := docItem(runPK(w.runUID), skStop, stop.AsFields())
	if err != nil {
		return err
	}
	if err := w.put(ctx, item); err != nil {
		return err
	}
	w.stopped = true
	return nil
}

// Flush pushes everything buffered so far, closing the current partial page
// of each stream. Later rows start a new page, so pages still tile their
// streams.
func (w *Writer) Flush(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	return w.flushPartial(ctx)
}

// Close pushes any remaining buffered rows and releases the writer. A run
// closed without a stop document stays readable as in progress.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flushPartial(ctx)
}

func (w *Writer) flushPartial(ctx context.Context) error {
	for uid, st := range w.events {
		if err := w.flushEventPages(ctx, uid, st, true); err != nil {
			return err
		}
	}
	for uid, st := range w.datums {
		if err := w.flushDatumPages(ctx, uid, st, true); err != nil {
			return err
		}
	}
	return nil
}

// flushEventPages writes out full pages of the stream's buffer, or all of
// it when partial is set. Pages are renumbered from the writer's own
// counters so consecutive pages tile the stream.
func (w *Writer) flushEventPages(ctx context.Context, desc string, st *eventStream, partial bool) error {
	for len(st.rows) >= w.pageSize || (partial && len(st.rows) > 0) {
		n := w.pageSize
		if n > len(st.rows) {
			n = len(st.rows)
		}
		page := document.BuildEventPage(st.rows[:n], st.flushed)
		body, err := w.s.codec.Marshal(page)
		if err != nil {
			return err
		}
		item := itemKey(descPK(desc), pageSK(uint64(st.flushed)))
		item[attrBody] = avB(body)
		if err := w.put(ctx, item); err != nil {
			return err
		}
		st.flushed += int64(n)
		st.rows = st.rows[n:]

		count := itemKey(descPK(desc), skCount)
		count[attrEvents] = avN(st.flushed)
		if err := w.put(ctx, count); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushDatumPages(ctx context.Context, res string, st *datumStream, partial bool) error {
	for len(st.rows) >= w.pageSize || (partial && len(st.rows) > 0) {
		n := w.pageSize
		if n > len(st.rows) {
			n = len(st.rows)
		}
		page := document.BuildDatumPage(st.rows[:n], st.flushed)
		body, err := w.s.codec.Marshal(page)
		if err != nil {
			return err
		}
		item := itemKey(resPK(res), pageSK(uint64(st.flushed)))
		item[attrBody] = avB(body)
		if err := w.put(ctx, item); err != nil {
			return err
		}
		st.flushed += int64(n)
		st.rows = st.rows[n:]
	}
	return nil
}
