// Package stream provides lazy transformations over document sequences:
// k-way time-ordered merging of event streams, clipping page sequences to a
// global row window, and repacking pages to a uniform size.
package stream

import (
	"container/heap"
	"iter"

	"github.com/hupe1980/rungo/document"
)

// Merge interleaves the sources into a single sequence ordered by key. Ties
// go to the lower source index, so the merge is stable across calls. Each
// source holds exactly one pending element; advancing costs O(log k).
//
// The first error from any source ends the merged sequence.
func Merge[T any](key func(T) float64, sources ...iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		pulls := make([]func() (T, error, bool), len(sources))
		for i, src := range sources {
			next, stop := iter.Pull2(src)
			defer stop()
			pulls[i] = next
		}

		h := make(mergeHeap[T], 0, len(sources))
		for i, next := range pulls {
			v, err, ok := next()
			if !ok {
				continue
			}
			if err != nil {
				yield(zero, err)
				return
			}
			heap.Push(&h, mergeItem[T]{key: key(v), src: i, val: v})
		}

		for h.Len() > 0 {
			item := heap.Pop(&h).(mergeItem[T])
			if !yield(item.val, nil) {
				return
			}
			v, err, ok := pulls[item.src]()
			if !ok {
				continue
			}
			if err != nil {
				yield(zero, err)
				return
			}
			heap.Push(&h, mergeItem[T]{key: key(v), src: item.src, val: v})
		}
	}
}

// MergeEvents merges per-stream event sequences into one sequence ordered by
// event time.
func MergeEvents(sources ...iter.Seq2[document.Event, error]) iter.Seq2[document.Event, error] {
	return Merge(func(ev document.Event) float64 { return ev.Time }, sources...)
}

// MergeEventPages merges per-stream page sequences ordered by the time of
// each page's first event. Pages themselves stay intact; only their relative
// order is decided here.
func MergeEventPages(sources ...iter.Seq2[document.EventPage, error]) iter.Seq2[document.EventPage, error] {
	return Merge(func(p document.EventPage) float64 {
		if p.Len() == 0 {
			return 0
		}
		return p.Time[0]
	}, sources...)
}

type mergeItem[T any] struct {
	key float64
	src int
	val T
}

type mergeHeap[T any] []mergeItem[T]

func (h mergeHeap[T]) Len() int { return len(h) }

func (h mergeHeap[T]) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].src < h[j].src
}

func (h mergeHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap[T]) Push(x any) { *h = append(*h, x.(mergeItem[T])) }

func (h *mergeHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
