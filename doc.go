// Package rungo provides an embedded catalog for runs of scientific event
// streams.
//
// A run is an append-only stream of documents: one start, per-stream
// descriptors, columnar event pages, resource and datum references for
// externally stored values, and at most one stop. Rungo indexes many such
// runs and serves them through lazy, pull-based sequences, so a terabyte
// stream costs no more to open than a kilobyte one.
//
// # Quick Start
//
// Open a catalog over a directory of JSONL run logs:
//
//	ctx := context.Background()
//	cat, err := rungo.JSONL("/var/runs").Pattern("*.jsonl").Build(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cat.Close()
//
// Look up runs the way beamline users name them:
//
//	run, _ := cat.Get(ctx, "-1")        // the most recent run
//	run, _ = cat.Get(ctx, "42")         // the most recent run with scan id 42
//	run, _ = cat.Get(ctx, "af1020b3")   // a uid, or a unique uid prefix
//
// Read merged, time-ordered events without loading the run into memory:
//
//	for ev, err := range run.Events(ctx) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    process(ev)
//	}
//
// # Search
//
// Search derives narrowed views; clauses compose with AND and the backend
// stays shared:
//
//	q := query.New(query.Eq("plan_name", "count"), query.Since(cutoff))
//	for key, err := range cat.Search(q).Keys(ctx) {
//	    ...
//	}
//
// # Backends
//
// Three storage backends implement the same contract:
//
//   - JSONL append logs (plain, gzip, zstd or lz4) on a local directory or
//     any blobstore.Store such as S3, re-scanned incrementally by object
//     modification time
//   - an embedded pebble document store, written through its Writer
//   - a DynamoDB single-table layout for shared catalogs
//
// The catalog never branches on backend identity; anything implementing
// backend.Store plugs in through New.
//
// # Ordering Model
//
// Catalog enumeration is most recent first. Within a run, events are served
// in ascending time order, merged across streams with a stable tie-break.
// Pages tile their stream exactly: skip/limit windows count records, never
// pages, regardless of how the producer batched its writes.
package rungo
