// Package s3 serves run logs from an Amazon S3 bucket.
//
// The store is read-oriented. Open issues a HEAD request to pin the object's
// size, and reads through the handle become ranged GETs, so an index refresh
// touches only the head and tail of each log. Full-log parses download the
// object in one piece through the transfer manager instead.
//
//	store, err := s3.New(ctx, "beamline-logs", s3.WithPrefix("bmm/"))
//	if err != nil {
//	    return err
//	}
//	st, err := jsonl.OpenStore(ctx, store)
//
// Credentials and region resolve through the standard AWS configuration
// chain; WithClient injects a custom client for tests or S3-compatible
// endpoints.
package s3
