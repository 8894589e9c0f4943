// Package codec centralizes document encoding.
//
// Every document byte that crosses a storage boundary (append-log lines,
// key-value payloads, object bodies) goes through a Codec, so swapping the
// JSON implementation is a one-line change. Codec selection is a
// compatibility boundary: bytes written under one codec must stay readable
// by the codec a reader selects, which holds for the built-ins because both
// speak standard JSON.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for internal tests/benchmarks.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
