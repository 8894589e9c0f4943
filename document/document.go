// Package document defines the run document model: the start/stop/descriptor/
// event/resource/datum records that make up one acquisition run, and the
// columnar page forms they are stored in.
//
// Times are float64 seconds since the Unix epoch throughout, matching the
// on-disk convention of the append-log format. User-defined fields on
// start/stop/descriptor/resource documents are preserved verbatim in Fields;
// the typed accessors cover only the fields the catalog itself reads.
package document

import (
	"fmt"
	"sort"
)

// Kind names a document type as it appears on the wire, i.e. the first
// element of a [kind, body] append-log line.
type Kind string

const (
	KindStart      Kind = "start"
	KindDescriptor Kind = "descriptor"
	KindEvent      Kind = "event"
	KindEventPage  Kind = "event_page"
	KindResource   Kind = "resource"
	KindDatum      Kind = "datum"
	KindDatumPage  Kind = "datum_page"
	KindStop       Kind = "stop"
)

// Valid reports whether k is one of the known document kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindDescriptor, KindEvent, KindEventPage,
		KindResource, KindDatum, KindDatumPage, KindStop:
		return true
	}
	return false
}

// Start is a run's creation record. A run exists once its start document has
// been observed; everything else in the run points back at Start.UID.
type Start struct {
	UID  string
	Time float64

	// Fields holds the complete start document, including the typed fields
	// above and any user-defined metadata. Queries evaluate against Fields.
	Fields map[string]any
}

// ScanID returns the domain-assigned scan number, if the start document
// carries one. Scan ids are not unique over time; lookups resolve to the
// most recent run.
func (s Start) ScanID() (uint64, bool) {
	v, ok := s.Fields["scan_id"]
	if !ok {
		return 0, false
	}
	n, ok := asUint64(v)
	return n, ok
}

// StartFromFields builds a Start from a decoded document map. The map is
// retained, not copied.
func StartFromFields(fields map[string]any) (Start, error) {
	uid, ok := fields["uid"].(string)
	if !ok || uid == "" {
		return Start{}, fmt.Errorf("start document missing uid")
	}
	t, ok := asFloat64(fields["time"])
	if !ok {
		return Start{}, fmt.Errorf("start document %q missing time", uid)
	}
	return Start{UID: uid, Time: t, Fields: fields}, nil
}

// Stop is a run's finalization record. It may arrive long after the start,
// or never (a run still in progress has no stop document).
type Stop struct {
	UID        string
	RunStart   string
	Time       float64
	ExitStatus string
	Reason     string

	Fields map[string]any
}

// StopFromFields builds a Stop from a decoded document map.
func StopFromFields(fields map[string]any) (Stop, error) {
	uid, _ := fields["uid"].(string)
	runStart, _ := fields["run_start"].(string)
	if uid == "" {
		return Stop{}, fmt.Errorf("stop document missing uid")
	}
	t, ok := asFloat64(fields["time"])
	if !ok {
		return Stop{}, fmt.Errorf("stop document %q missing time", uid)
	}
	exit, _ := fields["exit_status"].(string)
	reason, _ := fields["reason"].(string)
	return Stop{
		UID:        uid,
		RunStart:   runStart,
		Time:       t,
		ExitStatus: exit,
		Reason:     reason,
		Fields:     fields,
	}, nil
}

// DataKey declares one named field of a descriptor's event stream.
type DataKey struct {
	Source string `json:"source"`
	Dtype  string `json:"dtype"`
	Shape  []int  `json:"shape"`

	// External is non-empty when the field's value is not stored inline but
	// must be resolved through a Resource/Datum lookup.
	External string `json:"external,omitempty"`

	ObjectName string `json:"object_name,omitempty"`
}

// Descriptor declares the schema of one named stream of events within a run.
// Immutable once created.
type Descriptor struct {
	UID      string
	RunStart string
	Time     float64
	Name     string
	DataKeys map[string]DataKey

	Fields map[string]any
}

// ExternalKeys returns the names of data keys whose values resolve through
// datum lookup, sorted for deterministic iteration.
func (d Descriptor) ExternalKeys() []string {
	var keys []string
	for name, dk := range d.DataKeys {
		if dk.External != "" {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys
}

// DescriptorFromFields builds a Descriptor from a decoded document map.
func DescriptorFromFields(fields map[string]any) (Descriptor, error) {
	uid, _ := fields["uid"].(string)
	if uid == "" {
		return Descriptor{}, fmt.Errorf("descriptor document missing uid")
	}
	t, ok := asFloat64(fields["time"])
	if !ok {
		return Descriptor{}, fmt.Errorf("descriptor document %q missing time", uid)
	}
	runStart, _ := fields["run_start"].(string)
	name, _ := fields["name"].(string)

	d := Descriptor{
		UID:      uid,
		RunStart: runStart,
		Time:     t,
		Name:     name,
		Fields:   fields,
	}

	if raw, ok := fields["data_keys"].(map[string]any); ok {
		d.DataKeys = make(map[string]DataKey, len(raw))
		for key, v := range raw {
			spec, ok := v.(map[string]any)
			if !ok {
				return Descriptor{}, fmt.Errorf("descriptor %q: data key %q is not an object", uid, key)
			}
			d.DataKeys[key] = dataKeyFromFields(spec)
		}
	}
	return d, nil
}

func dataKeyFromFields(fields map[string]any) DataKey {
	var dk DataKey
	dk.Source, _ = fields["source"].(string)
	dk.Dtype, _ = fields["dtype"].(string)
	dk.ObjectName, _ = fields["object_name"].(string)
	if ext, ok := fields["external"]; ok {
		switch v := ext.(type) {
		case string:
			if v == "" {
				// Presence of the key alone marks the field external.
				dk.External = "FILESTORE:"
			} else {
				dk.External = v
			}
		case bool:
			if v {
				dk.External = "FILESTORE:"
			}
		}
	}
	if shape, ok := fields["shape"].([]any); ok {
		dk.Shape = make([]int, 0, len(shape))
		for _, s := range shape {
			if n, ok := asFloat64(s); ok {
				dk.Shape = append(dk.Shape, int(n))
			}
		}
	}
	return dk
}

// Event is one time-sample within a descriptor's stream. SeqNum increases
// monotonically within the stream; Filled marks external fields whose values
// still require datum resolution (false = unresolved).
type Event struct {
	UID        string             `json:"uid"`
	Descriptor string             `json:"descriptor"`
	SeqNum     uint64             `json:"seq_num"`
	Time       float64            `json:"time"`
	Data       map[string]any     `json:"data"`
	Timestamps map[string]float64 `json:"timestamps"`
	Filled     map[string]bool    `json:"filled,omitempty"`
}

// Resource identifies one external asset (typically a file) belonging to a
// run, together with the handler spec needed to interpret it.
type Resource struct {
	UID            string
	RunStart       string
	Spec           string
	Root           string
	ResourcePath   string
	ResourceKwargs map[string]any

	Fields map[string]any
}

// ResourceFromFields builds a Resource from a decoded document map.
func ResourceFromFields(fields map[string]any) (Resource, error) {
	uid, _ := fields["uid"].(string)
	if uid == "" {
		return Resource{}, fmt.Errorf("resource document missing uid")
	}
	r := Resource{UID: uid, Fields: fields}
	r.RunStart, _ = fields["run_start"].(string)
	r.Spec, _ = fields["spec"].(string)
	r.Root, _ = fields["root"].(string)
	r.ResourcePath, _ = fields["resource_path"].(string)
	r.ResourceKwargs, _ = fields["resource_kwargs"].(map[string]any)
	return r, nil
}

// Datum is one external-value reference: it resolves a single filled field
// through its resource.
type Datum struct {
	DatumID     string         `json:"datum_id"`
	Resource    string         `json:"resource"`
	DatumKwargs map[string]any `json:"datum_kwargs"`
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}
