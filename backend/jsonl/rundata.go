package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/blobstore"
	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/compress"
	"github.com/hupe1980/rungo/document"
)

// runData is one run's fully parsed log: every stream's events assembled
// into contiguous pages, resources and datum pages grouped by resource.
type runData struct {
	start       document.Start
	stop        *document.Stop
	descriptors []document.Descriptor
	events      map[string][]document.EventPage
	eventCounts map[string]int64
	resources   map[string]document.Resource
	datums      map[string][]document.DatumPage
	datumOwner  map[string]string
}

// parseRunLog reads the whole log and normalizes it: loose events and
// stored pages are renumbered into contiguous pages of pageSize rows per
// stream, in log order. Unfilled external fields that lack a filled map get
// one, derived from their descriptor.
func parseRunLog(ctx context.Context, c codec.Codec, store blobstore.Store, name string, pageSize int) (*runData, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer b.Close()

	r, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	zr, err := compress.ByExtension(name).NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer zr.Close()

	data := &runData{
		events:      map[string][]document.EventPage{},
		eventCounts: map[string]int64{},
		resources:   map[string]document.Resource{},
		datums:      map[string][]document.DatumPage{},
		datumOwner:  map[string]string{},
	}
	var (
		extKeys  = map[string][]string{}
		eventBuf = map[string][]document.Event{}
		datumBuf = map[string][]document.Datum{}
		hasStart bool
	)

	malformed := func(line int, err error) error {
		return &backend.MalformedRecordError{Path: name, Line: line, Err: err}
	}

	br := bufio.NewReaderSize(zr, 256<<10)
	lineNo := 0
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A trailing fragment belongs to an append still in flight.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		kind, body, err := ParseLine(c, line)
		if err != nil {
			return nil, malformed(lineNo, err)
		}
		switch kind {
		case document.KindStart:
			if hasStart {
				return nil, malformed(lineNo, fmt.Errorf("second start document"))
			}
			start, err := decodeStart(c, body)
			if err != nil {
				return nil, malformed(lineNo, err)
			}
			data.start = start
			hasStart = true

		case document.KindDescriptor:
			desc, err := decodeDescriptor(c, body)
			if err != nil {
				return nil, malformed(lineNo, err)
			}
			data.descriptors = append(data.descriptors, desc)
			extKeys[desc.UID] = desc.ExternalKeys()

		case document.KindEvent:
			var ev document.Event
			if err := c.Unmarshal(body, &ev); err != nil {
				return nil, malformed(lineNo, err)
			}
			ext, ok := extKeys[ev.Descriptor]
			if !ok {
				return nil, malformed(lineNo, fmt.Errorf("event references unknown descriptor %q", ev.Descriptor))
			}
			defaultFilled(&ev, ext)
			eventBuf[ev.Descriptor] = append(eventBuf[ev.Descriptor], ev)

		case document.KindEventPage:
			var page document.EventPage
			if err := c.Unmarshal(body, &page); err != nil {
				return nil, malformed(lineNo, err)
			}
			if err := page.Validate(); err != nil {
				return nil, malformed(lineNo, err)
			}
			ext, ok := extKeys[page.Descriptor]
			if !ok {
				return nil, malformed(lineNo, fmt.Errorf("event page references unknown descriptor %q", page.Descriptor))
			}
			for ev := range page.Events() {
				defaultFilled(&ev, ext)
				eventBuf[page.Descriptor] = append(eventBuf[page.Descriptor], ev)
			}

		case document.KindResource:
			res, err := decodeResource(c, body)
			if err != nil {
				return nil, malformed(lineNo, err)
			}
			data.resources[res.UID] = res

		case document.KindDatum:
			var d document.Datum
			if err := c.Unmarshal(body, &d); err != nil {
				return nil, malformed(lineNo, err)
			}
			if _, ok := data.resources[d.Resource]; !ok {
				return nil, malformed(lineNo, fmt.Errorf("datum references unknown resource %q", d.Resource))
			}
			datumBuf[d.Resource] = append(datumBuf[d.Resource], d)
			data.datumOwner[d.DatumID] = d.Resource

		case document.KindDatumPage:
			var page document.DatumPage
			if err := c.Unmarshal(body, &page); err != nil {
				return nil, malformed(lineNo, err)
			}
			if err := page.Validate(); err != nil {
				return nil, malformed(lineNo, err)
			}
			if _, ok := data.resources[page.Resource]; !ok {
				return nil, malformed(lineNo, fmt.Errorf("datum page references unknown resource %q", page.Resource))
			}
			for d := range page.Datums() {
				datumBuf[page.Resource] = append(datumBuf[page.Resource], d)
				data.datumOwner[d.DatumID] = page.Resource
			}

		case document.KindStop:
			if data.stop != nil {
				return nil, malformed(lineNo, fmt.Errorf("second stop document"))
			}
			stop, err := decodeStop(c, body)
			if err != nil {
				return nil, malformed(lineNo, err)
			}
			data.stop = &stop
		}
	}

	if !hasStart {
		return nil, &backend.MalformedRecordError{Path: name, Err: fmt.Errorf("missing start document")}
	}

	sort.SliceStable(data.descriptors, func(i, j int) bool {
		return data.descriptors[i].Time < data.descriptors[j].Time
	})

	for uid, events := range eventBuf {
		data.events[uid] = chunkEvents(events, pageSize)
		data.eventCounts[uid] = int64(len(events))
	}
	for _, desc := range data.descriptors {
		if _, ok := data.eventCounts[desc.UID]; !ok {
			data.eventCounts[desc.UID] = 0
		}
	}
	for uid, datums := range datumBuf {
		data.datums[uid] = chunkDatums(datums, pageSize)
	}
	return data, nil
}

func defaultFilled(ev *document.Event, extKeys []string) {
	if ev.Filled != nil || len(extKeys) == 0 {
		return
	}
	ev.Filled = make(map[string]bool, len(extKeys))
	for _, key := range extKeys {
		ev.Filled[key] = false
	}
}

func chunkEvents(events []document.Event, size int) []document.EventPage {
	var pages []document.EventPage
	for lo := 0; lo < len(events); lo += size {
		hi := lo + size
		if hi > len(events) {
			hi = len(events)
		}
		pages = append(pages, document.BuildEventPage(events[lo:hi], int64(lo)))
	}
	return pages
}

func chunkDatums(datums []document.Datum, size int) []document.DatumPage {
	var pages []document.DatumPage
	for lo := 0; lo < len(datums); lo += size {
		hi := lo + size
		if hi > len(datums) {
			hi = len(datums)
		}
		pages = append(pages, document.BuildDatumPage(datums[lo:hi], int64(lo)))
	}
	return pages
}
