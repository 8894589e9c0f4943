package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Run documents are maps, slices, strings, and numbers, which JSON covers
// completely. Use this codec when portability matters more than decode
// throughput; the append-log backend decodes every changed line on refresh,
// so large catalogs usually prefer GoJSON.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used when a caller does not choose one.
var Default Codec = GoJSON{}
