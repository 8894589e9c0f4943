package rungo

import (
	"context"
	"iter"
	"time"

	"github.com/hupe1980/rungo/query"
)

// Search derives a catalog view narrowed to runs matching q. The scope
// composes: searching a search ANDs the clauses together. The receiver is
// unchanged, and the view shares the receiver's backend, options and
// lifetime.
//
// Example:
//
//	recent := cat.Search(query.New(query.Since(cutoff)))
//	nickel := recent.Search(query.New(query.Eq("sample", "Ni")))
func (c *Catalog) Search(q query.Query) *Catalog {
	view := *c
	view.scope = c.scope.And(q.Clauses()...)
	return &view
}

// Keys yields the uids of the catalog's runs, most recent first. The
// sequence is lazy and restartable; consuming it again re-enumerates.
func (c *Catalog) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if c.closed.Load() {
			yield("", ErrCatalogClosed)
			return
		}
		start := time.Now()
		matched := 0
		for st, err := range c.store.Runs(ctx, c.scope) {
			if err != nil {
				yield("", translateError(err))
				return
			}
			matched++
			if !yield(st.UID, nil) {
				return
			}
		}
		c.metrics.RecordSearch(matched, time.Since(start), nil)
	}
}

// Runs yields the catalog's runs, most recent first.
func (c *Catalog) Runs(ctx context.Context) iter.Seq2[*Run, error] {
	return func(yield func(*Run, error) bool) {
		if c.closed.Load() {
			yield(nil, ErrCatalogClosed)
			return
		}
		start := time.Now()
		matched := 0
		for st, err := range c.store.Runs(ctx, c.scope) {
			if err != nil {
				yield(nil, translateError(err))
				return
			}
			matched++
			if !yield(c.newRun(st), nil) {
				return
			}
		}
		c.metrics.RecordSearch(matched, time.Since(start), nil)
	}
}

// Entry pairs a run with its catalog key.
type Entry struct {
	Key string
	Run *Run
}

// Entries yields key/run pairs, most recent first.
func (c *Catalog) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for run, err := range c.Runs(ctx) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(Entry{Key: run.UID(), Run: run}, nil) {
				return
			}
		}
	}
}
