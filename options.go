package rungo

import (
	"log/slog"

	"github.com/hupe1980/rungo/codec"
)

type options struct {
	codec            codec.Codec
	pageSize         int
	metricsCollector MetricsCollector
	logger           *Logger
	handlers         *HandlerRegistry
}

// Option configures catalog construction.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. codec-specific constructor variants).
type Option func(*options)

// WithCodec configures the codec the backend builders hand to their stores.
//
// It only takes effect when the catalog opens its own backend (JSONL, Pebble,
// Dynamo builders); a store passed to New keeps whatever codec it was opened
// with. If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithPageSize configures the rows-per-page target for page-producing reads
// (Run.EventPages, Run.DatumPages, Run.Documents) and is forwarded to
// backends opened through the builders.
//
// Stored pages are repacked to this size on the way out, so callers see a
// uniform page geometry regardless of how the producer batched its writes.
// Values below one fall back to the default of 2500 rows.
func WithPageSize(n int) Option {
	return func(o *options) {
		o.pageSize = n
	}
}

// WithHandlerRegistry configures the registry used to resolve externally
// stored values (Run.LoadDatum). Without a registry the catalog still serves
// resource and datum documents; only loading fails.
func WithHandlerRegistry(r *HandlerRegistry) Option {
	return func(o *options) {
		o.handlers = r
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &rungo.BasicMetricsCollector{}
//	cat, _ := rungo.New(store, rungo.WithMetricsCollector(metrics))
//	// ... use cat ...
//	stats := metrics.GetStats()
//	fmt.Printf("Lookups: %d, Avg latency: %dns\n", stats.LookupCount, stats.LookupAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := rungo.NewJSONLogger(slog.LevelInfo)
//	cat, _ := rungo.New(store, rungo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            nil,
		pageSize:         0, // stores and readers fall back to their own defaults
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// ReadOptions narrow what a Run read serves.
type ReadOptions struct {
	// Streams selects descriptor streams by name. Nil or empty selects every
	// stream of the run. Naming a stream the run does not have is an error.
	Streams []string

	// Skip drops rows from the front of each selected stream.
	Skip int64

	// Limit caps the rows served per selected stream. Negative means
	// unbounded.
	Limit int64

	// PageSize overrides the catalog's rows-per-page target for this read.
	// Zero keeps the catalog's setting.
	PageSize int
}

func applyReadOptions(optFns []func(*ReadOptions)) ReadOptions {
	o := ReadOptions{
		Limit: -1,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
