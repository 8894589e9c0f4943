// Package backend defines the storage contract run catalogs are built on.
//
// A Store holds the documents of many runs and serves them in catalog order:
// runs by descending start time, descriptors by ascending time, event and
// datum pages by ascending index. Implementations live in the subpackages
// (jsonl, pebblestore, dynamo); the catalog layer is backend-agnostic.
package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
)

var (
	// ErrNotFound is returned when a uid or datum id has no document.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrMalformedRecord matches any MalformedRecordError via errors.Is.
	ErrMalformedRecord = errors.New("malformed record")
)

// MalformedRecordError indicates a stored record that could not be decoded
// or failed document validation. Path and Line locate the record in its
// source when the backend knows them.
type MalformedRecordError struct {
	Path string
	Line int
	Err  error
}

func (e *MalformedRecordError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed record: %v", e.Err)
	}
	if e.Line <= 0 {
		return fmt.Sprintf("malformed record in %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("malformed record at %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// Store serves the documents of a set of runs.
//
// Row windows are expressed as (skip, limit) pairs: skip rows are dropped
// from the front of the stream, then up to limit rows are served. A negative
// limit means unbounded. Windows count individual rows, never pages.
type Store interface {
	// Runs yields the start documents matching q, most recent first. Ties
	// on time break toward the smaller uid.
	Runs(ctx context.Context, q query.Query) iter.Seq2[document.Start, error]

	// CountRuns reports how many runs match q.
	CountRuns(ctx context.Context, q query.Query) (int, error)

	// RunStart returns the start document of the run with the exact uid.
	RunStart(ctx context.Context, runUID string) (document.Start, error)

	// UIDsWithPrefix returns up to limit run uids beginning with prefix,
	// most recent first.
	UIDsWithPrefix(ctx context.Context, prefix string, limit int) ([]string, error)

	// RunStop returns the run's stop document. A run that has not finished
	// reports ok == false with a nil error; an unknown uid is ErrNotFound.
	RunStop(ctx context.Context, runUID string) (stop document.Stop, ok bool, err error)

	// Descriptors returns the run's stream descriptors in time order.
	Descriptors(ctx context.Context, runUID string) ([]document.Descriptor, error)

	// EventPages yields the descriptor's events as pages clipped to the row
	// window, in stream order with absolute indices intact.
	EventPages(ctx context.Context, descriptorUID string, skip, limit int64) iter.Seq2[document.EventPage, error]

	// EventCount reports the total number of events in the descriptor's
	// stream.
	EventCount(ctx context.Context, descriptorUID string) (int64, error)

	// Resources returns the run's resource documents, ordered by uid. Runs
	// without external assets return an empty slice.
	Resources(ctx context.Context, runUID string) ([]document.Resource, error)

	// Resource returns the resource document with the given uid.
	Resource(ctx context.Context, uid string) (document.Resource, error)

	// ResourceForDatum maps a datum id to the uid of its resource.
	ResourceForDatum(ctx context.Context, datumID string) (string, error)

	// DatumPages yields the resource's datum documents as pages clipped to
	// the row window.
	DatumPages(ctx context.Context, resourceUID string, skip, limit int64) iter.Seq2[document.DatumPage, error]

	// Refresh picks up documents written since the store was opened or last
	// refreshed. Stores whose reads are always current return nil.
	Refresh(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
