// Package blobstore abstracts where run logs live. A Store is a flat,
// read-oriented namespace of named objects: it can list what is there, with
// sizes and modification times, and open any object for random-access reads.
//
// The jsonl backend reads through this interface, so a catalog can serve run
// logs from a local directory, an S3 bucket, or any S3-compatible endpoint
// without the index or refresh logic knowing the difference.
//
// # Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-memory objects, for tests
//   - s3.Store: Amazon S3, reading with ranged GETs
//   - minio.Store: MinIO and other S3-compatible endpoints
//
// Remote blobs also implement ReadAller, so a full-log parse arrives as one
// download instead of many small ranged reads.
package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store provides read access to a flat namespace of run-log objects.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open opens the named object for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// List enumerates objects whose names start with prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo describes one listed object. ModTime is what incremental
// refresh keys on: an object whose size and modification time are unchanged
// since the last scan is not reopened.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Blob is a read-only handle to one object.
type Blob interface {
	io.ReaderAt
	io.Closer

	// Size returns the size of the object in bytes, fixed at open time.
	Size() int64
}

// ReadAller is an optional interface for blobs that can fetch their whole
// contents in one operation, cheaper for remote stores than a sequence of
// small ranged reads.
type ReadAller interface {
	ReadAll(ctx context.Context) ([]byte, error)
}

// NewReader returns a reader over the blob's full contents, taking the bulk
// fetch path when the blob provides one.
func NewReader(ctx context.Context, b Blob) (io.Reader, error) {
	if ra, ok := b.(ReadAller); ok {
		data, err := ra.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
	return io.NewSectionReader(b, 0, b.Size()), nil
}
