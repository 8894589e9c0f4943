// Package compress wraps the stream compression formats the append-log
// backend understands. Log files may be stored compressed (scan.jsonl.gz,
// scan.jsonl.zst, scan.jsonl.lz4); the codec is chosen by file extension.
package compress

import (
	"io"
	"strings"
)

// Codec turns raw streams into compressed ones and back. Implementations
// must be safe for concurrent use; the readers and writers they return are
// not.
type Codec interface {
	// Name is the codec's stable identifier ("gzip", "zstd", "lz4", "none").
	Name() string

	// NewReader wraps r with a decompressing reader. Closing it releases
	// decompressor state only; the underlying reader stays open.
	NewReader(r io.Reader) (io.ReadCloser, error)

	// NewWriter wraps w with a compressing writer. It must be closed to
	// flush the final block.
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

var extensions = map[string]Codec{
	".gz":   Gzip{},
	".zst":  Zstd{},
	".zstd": Zstd{},
	".lz4":  LZ4{},
}

// ByExtension picks the codec for a file name from its final extension.
// Unknown or missing extensions get the passthrough codec.
func ByExtension(name string) Codec {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return Noop{}
	}
	if c, ok := extensions[strings.ToLower(name[i:])]; ok {
		return c
	}
	return Noop{}
}

// Extensions returns the known compressed-file suffixes, including the dot.
func Extensions() []string {
	return []string{".gz", ".zst", ".zstd", ".lz4"}
}

// TrimExtension removes a known compression suffix from a file name, leaving
// the logical name ("scan.jsonl.gz" -> "scan.jsonl").
func TrimExtension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name
	}
	if _, ok := extensions[strings.ToLower(name[i:])]; ok {
		return name[:i]
	}
	return name
}
