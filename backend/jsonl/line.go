package jsonl

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/document"
)

// ParseLine decodes one append-log line. Lines are two-element JSON arrays,
// ["kind", {document}], one per document in arrival order.
func ParseLine(c codec.Codec, line []byte) (document.Kind, []byte, error) {
	var parts []json.RawMessage
	if err := c.Unmarshal(line, &parts); err != nil {
		return "", nil, fmt.Errorf("decode line: %w", err)
	}
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("expected [kind, document] pair, got %d elements", len(parts))
	}
	var kind document.Kind
	if err := c.Unmarshal(parts[0], &kind); err != nil {
		return "", nil, fmt.Errorf("decode kind: %w", err)
	}
	if !kind.Valid() {
		return "", nil, fmt.Errorf("unknown document kind %q", kind)
	}
	return kind, parts[1], nil
}

// EncodeLine encodes a document as an append-log line, without the trailing
// newline.
func EncodeLine(c codec.Codec, kind document.Kind, doc any) ([]byte, error) {
	line, err := c.Marshal([]any{kind, doc})
	if err != nil {
		return nil, fmt.Errorf("encode %s line: %w", kind, err)
	}
	return line, nil
}

func decodeFields(c codec.Codec, body []byte) (map[string]any, error) {
	var fields map[string]any
	if err := c.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodeStart(c codec.Codec, body []byte) (document.Start, error) {
	fields, err := decodeFields(c, body)
	if err != nil {
		return document.Start{}, err
	}
	return document.StartFromFields(fields)
}

func decodeStop(c codec.Codec, body []byte) (document.Stop, error) {
	fields, err := decodeFields(c, body)
	if err != nil {
		return document.Stop{}, err
	}
	return document.StopFromFields(fields)
}

func decodeDescriptor(c codec.Codec, body []byte) (document.Descriptor, error) {
	fields, err := decodeFields(c, body)
	if err != nil {
		return document.Descriptor{}, err
	}
	return document.DescriptorFromFields(fields)
}

func decodeResource(c codec.Codec, body []byte) (document.Resource, error) {
	fields, err := decodeFields(c, body)
	if err != nil {
		return document.Resource{}, err
	}
	return document.ResourceFromFields(fields)
}
