package stream

import (
	"iter"

	"github.com/hupe1980/rungo/document"
)

// ClipEventPages restricts a page sequence to the global row window
// [skip, skip+limit), counted across page boundaries. A negative limit means
// unbounded. Pages wholly outside the window are dropped, pages straddling a
// boundary are sliced, and iteration stops as soon as the window is filled.
//
// The walk is driven by a running count of rows actually seen, so it stays
// correct when pages have uneven sizes. Declared page indices are preserved
// through slicing.
func ClipEventPages(pages iter.Seq2[document.EventPage, error], skip, limit int64) iter.Seq2[document.EventPage, error] {
	return func(yield func(document.EventPage, error) bool) {
		if skip < 0 {
			skip = 0
		}
		var globalIndex int64
		for page, err := range pages {
			if err != nil {
				yield(document.EventPage{}, err)
				return
			}
			n := int64(page.Len())
			pageStart := globalIndex
			globalIndex += n

			lo, hi, done := clipWindow(pageStart, n, skip, limit)
			if hi > lo {
				if !yield(page.Slice(int(lo), int(hi)), nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// ClipDatumPages is ClipEventPages for datum pages.
func ClipDatumPages(pages iter.Seq2[document.DatumPage, error], skip, limit int64) iter.Seq2[document.DatumPage, error] {
	return func(yield func(document.DatumPage, error) bool) {
		if skip < 0 {
			skip = 0
		}
		var globalIndex int64
		for page, err := range pages {
			if err != nil {
				yield(document.DatumPage{}, err)
				return
			}
			n := int64(page.Len())
			pageStart := globalIndex
			globalIndex += n

			lo, hi, done := clipWindow(pageStart, n, skip, limit)
			if hi > lo {
				if !yield(page.Slice(int(lo), int(hi)), nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// clipWindow intersects a page spanning [pageStart, pageStart+n) with the
// window [skip, skip+limit) and returns page-relative bounds. done reports
// that no later page can contribute rows.
func clipWindow(pageStart, n, skip, limit int64) (lo, hi int64, done bool) {
	lo = skip - pageStart
	if lo < 0 {
		lo = 0
	}
	hi = n
	if limit >= 0 {
		end := skip + limit
		if pageStart+n >= end {
			hi = end - pageStart
			done = true
		}
		if hi < lo {
			hi = lo
		}
	}
	return lo, hi, done
}

// FlattenEventPages unpacks a page sequence into individual events, in page
// order.
func FlattenEventPages(pages iter.Seq2[document.EventPage, error]) iter.Seq2[document.Event, error] {
	return func(yield func(document.Event, error) bool) {
		for page, err := range pages {
			if err != nil {
				yield(document.Event{}, err)
				return
			}
			for ev := range page.Events() {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

// FlattenDatumPages unpacks a page sequence into individual datum documents.
func FlattenDatumPages(pages iter.Seq2[document.DatumPage, error]) iter.Seq2[document.Datum, error] {
	return func(yield func(document.Datum, error) bool) {
		for page, err := range pages {
			if err != nil {
				yield(document.Datum{}, err)
				return
			}
			for d := range page.Datums() {
				if !yield(d, nil) {
					return
				}
			}
		}
	}
}
