package rungo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    lookupCounter   prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordLookup(duration time.Duration, err error) {
//	    p.lookupCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordLookup is called after each key lookup (Get, At, ByScanID).
	// duration is the total time taken, err is nil if successful.
	RecordLookup(duration time.Duration, err error)

	// RecordSearch is called after each query evaluation. matched is the
	// number of runs the query selected.
	RecordSearch(matched int, duration time.Duration, err error)

	// RecordRefresh is called after each catalog refresh.
	RecordRefresh(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordLookup(time.Duration, error)      {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordRefresh(time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	LookupCount       atomic.Int64
	LookupErrors      atomic.Int64
	LookupTotalNanos  atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchMatched     atomic.Int64
	SearchTotalNanos  atomic.Int64
	RefreshCount      atomic.Int64
	RefreshErrors     atomic.Int64
	RefreshTotalNanos atomic.Int64
}

// RecordLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLookup(duration time.Duration, err error) {
	b.LookupCount.Add(1)
	b.LookupTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.LookupErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(matched int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchMatched.Add(int64(matched))
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRefresh implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRefresh(duration time.Duration, err error) {
	b.RefreshCount.Add(1)
	b.RefreshTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RefreshErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		LookupCount:     b.LookupCount.Load(),
		LookupErrors:    b.LookupErrors.Load(),
		LookupAvgNanos:  avgNanos(b.LookupTotalNanos.Load(), b.LookupCount.Load()),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchMatched:   b.SearchMatched.Load(),
		SearchAvgNanos:  avgNanos(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		RefreshCount:    b.RefreshCount.Load(),
		RefreshErrors:   b.RefreshErrors.Load(),
		RefreshAvgNanos: avgNanos(b.RefreshTotalNanos.Load(), b.RefreshCount.Load()),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	LookupCount     int64
	LookupErrors    int64
	LookupAvgNanos  int64
	SearchCount     int64
	SearchErrors    int64
	SearchMatched   int64
	SearchAvgNanos  int64
	RefreshCount    int64
	RefreshErrors   int64
	RefreshAvgNanos int64
}
