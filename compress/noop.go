package compress

import "io"

// Noop is the passthrough codec for uncompressed files.
type Noop struct{}

// Name returns "none".
func (Noop) Name() string { return "none" }

// NewReader returns r unchanged behind a no-op closer.
func (Noop) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// NewWriter returns w unchanged behind a no-op closer.
func (Noop) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
