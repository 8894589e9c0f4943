package stream

import (
	"iter"

	"github.com/hupe1980/rungo/document"
)

// DefaultPageSize is the target rows-per-page used when a caller does not
// choose one. It matches the batch size the storage backends write.
const DefaultPageSize = 2500

// RepackEventPages re-chunks one stream's pages into pages of exactly size
// rows (the final page may be shorter). Record order and count are
// preserved, so clipping a repacked stream sees the same rows as clipping
// the original. Output indices continue from the first input page's
// FirstIndex. A size below one falls back to DefaultPageSize.
func RepackEventPages(pages iter.Seq2[document.EventPage, error], size int) iter.Seq2[document.EventPage, error] {
	if size < 1 {
		size = DefaultPageSize
	}
	return func(yield func(document.EventPage, error) bool) {
		var (
			buf       []document.Event
			nextIndex int64
			started   bool
		)
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			page := document.BuildEventPage(buf, nextIndex)
			nextIndex += int64(len(buf))
			buf = buf[:0]
			return yield(page, nil)
		}
		for page, err := range pages {
			if err != nil {
				yield(document.EventPage{}, err)
				return
			}
			if !started {
				nextIndex = page.FirstIndex
				started = true
			}
			for ev := range page.Events() {
				buf = append(buf, ev)
				if len(buf) == size {
					if !flush() {
						return
					}
				}
			}
		}
		flush()
	}
}

// RepackDatumPages is RepackEventPages for datum pages.
func RepackDatumPages(pages iter.Seq2[document.DatumPage, error], size int) iter.Seq2[document.DatumPage, error] {
	if size < 1 {
		size = DefaultPageSize
	}
	return func(yield func(document.DatumPage, error) bool) {
		var (
			buf       []document.Datum
			nextIndex int64
			started   bool
		)
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			page := document.BuildDatumPage(buf, nextIndex)
			nextIndex += int64(len(buf))
			buf = buf[:0]
			return yield(page, nil)
		}
		for page, err := range pages {
			if err != nil {
				yield(document.DatumPage{}, err)
				return
			}
			if !started {
				nextIndex = page.FirstIndex
				started = true
			}
			for d := range page.Datums() {
				buf = append(buf, d)
				if len(buf) == size {
					if !flush() {
						return
					}
				}
			}
		}
		flush()
	}
}
