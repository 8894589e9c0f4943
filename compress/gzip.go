package compress

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// Gzip reads and writes the gzip format.
type Gzip struct{}

// Name returns "gzip".
func (Gzip) Name() string { return "gzip" }

// NewReader wraps r with a gzip decompressor.
func (Gzip) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// NewWriter wraps w with a gzip compressor.
func (Gzip) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}
