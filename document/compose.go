package document

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithClock overrides the composer's time source. Useful in tests that need
// deterministic document times.
func WithClock(clock func() float64) ComposerOption {
	return func(c *Composer) {
		c.clock = clock
	}
}

// WithNewUID overrides the composer's uid generator.
func WithNewUID(newUID func() string) ComposerOption {
	return func(c *Composer) {
		c.newUID = newUID
	}
}

// Composer builds a self-consistent run document by document: uids are
// generated, back-references filled in, and per-stream sequence numbers
// maintained. It is the writing-side counterpart of the catalog and the
// fixture builder for tests.
//
// A Composer is not safe for concurrent use.
type Composer struct {
	clock  func() float64
	newUID func() string

	start      Start
	stopped    bool
	seqNums    map[string]uint64 // descriptor uid -> last seq_num
	datumCount map[string]uint64 // resource uid -> datum counter
}

// NewComposer starts a new run. The given fields become user metadata on the
// start document; uid and time are filled in by the composer.
func NewComposer(fields map[string]any, opts ...ComposerOption) *Composer {
	c := &Composer{
		clock: func() float64 {
			return float64(time.Now().UnixNano()) / float64(time.Second)
		},
		newUID:     uuid.NewString,
		seqNums:    map[string]uint64{},
		datumCount: map[string]uint64{},
	}
	for _, opt := range opts {
		opt(c)
	}

	doc := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		doc[k] = v
	}
	doc["uid"] = c.newUID()
	doc["time"] = c.clock()
	c.start = Start{
		UID:    doc["uid"].(string),
		Time:   doc["time"].(float64),
		Fields: doc,
	}
	return c
}

// Start returns the run's start document.
func (c *Composer) Start() Start {
	return c.start
}

// Descriptor opens a named event stream with the given schema.
func (c *Composer) Descriptor(name string, dataKeys map[string]DataKey) Descriptor {
	d := Descriptor{
		UID:      c.newUID(),
		RunStart: c.start.UID,
		Time:     c.clock(),
		Name:     name,
		DataKeys: dataKeys,
	}
	d.Fields = d.AsFields()
	c.seqNums[d.UID] = 0
	return d
}

// Event appends one sample to the descriptor's stream. External fields are
// marked unfilled; data for them should be a datum id.
func (c *Composer) Event(desc Descriptor, data map[string]any, timestamps map[string]float64) (Event, error) {
	if _, ok := c.seqNums[desc.UID]; !ok {
		return Event{}, fmt.Errorf("descriptor %q does not belong to run %q", desc.UID, c.start.UID)
	}
	c.seqNums[desc.UID]++
	ev := Event{
		UID:        c.newUID(),
		Descriptor: desc.UID,
		SeqNum:     c.seqNums[desc.UID],
		Time:       c.clock(),
		Data:       data,
		Timestamps: timestamps,
	}
	for _, key := range desc.ExternalKeys() {
		if ev.Filled == nil {
			ev.Filled = map[string]bool{}
		}
		ev.Filled[key] = false
	}
	return ev, nil
}

// Resource registers an external asset for the run.
func (c *Composer) Resource(spec, root, resourcePath string, kwargs map[string]any) Resource {
	r := Resource{
		UID:            c.newUID(),
		RunStart:       c.start.UID,
		Spec:           spec,
		Root:           root,
		ResourcePath:   resourcePath,
		ResourceKwargs: kwargs,
	}
	r.Fields = r.AsFields()
	c.datumCount[r.UID] = 0
	return r
}

// Datum mints the next datum id for the resource.
func (c *Composer) Datum(res Resource, kwargs map[string]any) (Datum, error) {
	if _, ok := c.datumCount[res.UID]; !ok {
		return Datum{}, fmt.Errorf("resource %q does not belong to run %q", res.UID, c.start.UID)
	}
	n := c.datumCount[res.UID]
	c.datumCount[res.UID] = n + 1
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Datum{
		DatumID:     fmt.Sprintf("%s/%d", res.UID, n),
		Resource:    res.UID,
		DatumKwargs: kwargs,
	}, nil
}

// Stop finalizes the run. Calling Stop twice is an error.
func (c *Composer) Stop(exitStatus, reason string) (Stop, error) {
	if c.stopped {
		return Stop{}, fmt.Errorf("run %q already stopped", c.start.UID)
	}
	c.stopped = true
	if exitStatus == "" {
		exitStatus = "success"
	}
	uid := c.newUID()
	t := c.clock()
	var events uint64
	for _, n := range c.seqNums {
		events += n
	}
	return Stop{
		UID:        uid,
		RunStart:   c.start.UID,
		Time:       t,
		ExitStatus: exitStatus,
		Reason:     reason,
		Fields: map[string]any{
			"uid":         uid,
			"run_start":   c.start.UID,
			"time":        t,
			"exit_status": exitStatus,
			"reason":      reason,
			"num_events":  float64(events),
		},
	}, nil
}
