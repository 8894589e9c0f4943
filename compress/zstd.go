package compress

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Zstd reads and writes the zstandard format.
type Zstd struct{}

// Name returns "zstd".
func (Zstd) Name() string { return "zstd" }

// NewReader wraps r with a zstd decompressor.
func (Zstd) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// NewWriter wraps w with a zstd compressor.
func (Zstd) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}
