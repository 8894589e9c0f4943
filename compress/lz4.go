package compress

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4 reads and writes the lz4 frame format.
type LZ4 struct{}

// Name returns "lz4".
func (LZ4) Name() string { return "lz4" }

// NewReader wraps r with an lz4 decompressor.
func (LZ4) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// NewWriter wraps w with an lz4 compressor.
func (LZ4) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}
