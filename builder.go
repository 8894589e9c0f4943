// Package rungo provides catalog access to runs of scientific event streams.
//
// This file implements backend-specific fluent builder APIs for opening
// catalogs. Builders collect backend settings, open the store, and hand it
// to New in one step.
package rungo

import (
	"context"
	"log/slog"
	"time"

	"github.com/hupe1980/rungo/backend/dynamo"
	"github.com/hupe1980/rungo/backend/jsonl"
	"github.com/hupe1980/rungo/backend/pebblestore"
	"github.com/hupe1980/rungo/codec"
)

// JSONL starts building a catalog over a directory of append-only run logs.
//
// Example:
//
//	cat, err := rungo.JSONL("/var/runs").
//	    Pattern("*.jsonl.gz").
//	    Watch().
//	    Options(rungo.WithLogLevel(slog.LevelInfo)).
//	    Build(ctx)
func JSONL(dir string) *JSONLBuilder {
	return &JSONLBuilder{dir: dir}
}

// JSONLBuilder configures the jsonl backend before opening it.
type JSONLBuilder struct {
	dir      string
	storeFns []jsonl.Option
	watch    bool
	catFns   []Option
}

// Pattern restricts the loader to file names matching the glob. The default
// accepts every plain or compressed .jsonl file.
func (b *JSONLBuilder) Pattern(glob string) *JSONLBuilder {
	b.storeFns = append(b.storeFns, jsonl.WithPattern(glob))
	return b
}

// CacheSize bounds how many parsed run bodies stay in memory.
func (b *JSONLBuilder) CacheSize(n int) *JSONLBuilder {
	b.storeFns = append(b.storeFns, jsonl.WithCacheSize(n))
	return b
}

// Parallelism bounds how many files a scan reads concurrently.
func (b *JSONLBuilder) Parallelism(n int) *JSONLBuilder {
	b.storeFns = append(b.storeFns, jsonl.WithParallelism(n))
	return b
}

// Debounce sets the minimum spacing between watcher-triggered scans.
func (b *JSONLBuilder) Debounce(d time.Duration) *JSONLBuilder {
	b.storeFns = append(b.storeFns, jsonl.WithDebounce(d))
	return b
}

// Watch starts a filesystem watcher after opening, so new and modified logs
// are picked up without explicit Refresh calls.
func (b *JSONLBuilder) Watch() *JSONLBuilder {
	b.watch = true
	return b
}

// Options appends catalog-level options (logger, metrics, page size, handler
// registry).
func (b *JSONLBuilder) Options(optFns ...Option) *JSONLBuilder {
	b.catFns = append(b.catFns, optFns...)
	return b
}

// Build opens the backend, runs the initial scan and returns the catalog.
func (b *JSONLBuilder) Build(ctx context.Context) (*Catalog, error) {
	opts := applyOptions(b.catFns)
	storeFns := append(forwardedStoreOptions(opts, jsonl.WithCodec, jsonl.WithPageSize, jsonl.WithLogger), b.storeFns...)
	store, err := jsonl.Open(ctx, b.dir, storeFns...)
	if err != nil {
		return nil, translateError(err)
	}
	if b.watch {
		if err := store.Watch(ctx); err != nil {
			store.Close()
			return nil, translateError(err)
		}
	}
	cat, err := New(store, b.catFns...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cat, nil
}

// Pebble starts building a catalog over an embedded pebble document store.
//
// Example:
//
//	cat, err := rungo.Pebble("/var/catalog").
//	    Sync().
//	    Options(rungo.WithPageSize(1000)).
//	    Build()
func Pebble(dir string) *PebbleBuilder {
	return &PebbleBuilder{dir: dir}
}

// PebbleBuilder configures the pebblestore backend before opening it.
type PebbleBuilder struct {
	dir      string
	storeFns []pebblestore.Option
	catFns   []Option
}

// Sync makes run-finishing writes fsync before they are acknowledged.
func (b *PebbleBuilder) Sync() *PebbleBuilder {
	b.storeFns = append(b.storeFns, pebblestore.WithSync(true))
	return b
}

// Options appends catalog-level options.
func (b *PebbleBuilder) Options(optFns ...Option) *PebbleBuilder {
	b.catFns = append(b.catFns, optFns...)
	return b
}

// Build opens the store and returns the catalog.
func (b *PebbleBuilder) Build() (*Catalog, error) {
	opts := applyOptions(b.catFns)
	storeFns := append(forwardedStoreOptions(opts, pebblestore.WithCodec, pebblestore.WithPageSize, pebblestore.WithLogger), b.storeFns...)
	store, err := pebblestore.Open(b.dir, storeFns...)
	if err != nil {
		return nil, translateError(err)
	}
	cat, err := New(store, b.catFns...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cat, nil
}

// Dynamo starts building a catalog over a DynamoDB table.
//
// Example:
//
//	client := dynamodb.NewFromConfig(cfg)
//	cat, err := rungo.Dynamo(client, "runs").
//	    OrderIndex("gsi-order").
//	    Build()
func Dynamo(client dynamo.Client, table string) *DynamoBuilder {
	return &DynamoBuilder{client: client, table: table}
}

// DynamoBuilder configures the dynamo backend before opening it.
type DynamoBuilder struct {
	client   dynamo.Client
	table    string
	storeFns []dynamo.Option
	catFns   []Option
}

// OrderIndex names the GSI serving time-descending enumeration.
func (b *DynamoBuilder) OrderIndex(name string) *DynamoBuilder {
	b.storeFns = append(b.storeFns, dynamo.WithOrderIndex(name))
	return b
}

// UIDIndex names the GSI serving uid prefix lookups.
func (b *DynamoBuilder) UIDIndex(name string) *DynamoBuilder {
	b.storeFns = append(b.storeFns, dynamo.WithUIDIndex(name))
	return b
}

// Options appends catalog-level options.
func (b *DynamoBuilder) Options(optFns ...Option) *DynamoBuilder {
	b.catFns = append(b.catFns, optFns...)
	return b
}

// Build wraps the client and returns the catalog.
func (b *DynamoBuilder) Build() (*Catalog, error) {
	opts := applyOptions(b.catFns)
	storeFns := append(forwardedStoreOptions(opts, dynamo.WithCodec, dynamo.WithPageSize, dynamo.WithLogger), b.storeFns...)
	store, err := dynamo.New(b.client, b.table, storeFns...)
	if err != nil {
		return nil, translateError(err)
	}
	cat, err := New(store, b.catFns...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cat, nil
}

// forwardedStoreOptions maps the catalog options a backend also understands
// onto that backend's option type. Codec and page size are forwarded only
// when explicitly set, so each store keeps its own defaults.
func forwardedStoreOptions[O any](opts options, withCodec func(codec.Codec) O, withPageSize func(int) O, withLogger func(*slog.Logger) O) []O {
	var fns []O
	if opts.codec != nil {
		fns = append(fns, withCodec(opts.codec))
	}
	if opts.pageSize > 0 {
		fns = append(fns, withPageSize(opts.pageSize))
	}
	fns = append(fns, withLogger(opts.logger.Logger))
	return fns
}
