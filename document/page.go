package document

import (
	"fmt"
	"iter"
	"sort"
)

// EventPage is a contiguous columnar batch of events from one descriptor's
// stream. FirstIndex and LastIndex are zero-based positions within the full
// stream; a page of n events satisfies LastIndex == FirstIndex + n - 1, and
// consecutive pages of a stream tile it without gaps or overlap.
type EventPage struct {
	Descriptor string               `json:"descriptor"`
	FirstIndex int64                `json:"first_index"`
	LastIndex  int64                `json:"last_index"`
	UID        []string             `json:"uid"`
	SeqNum     []uint64             `json:"seq_num"`
	Time       []float64            `json:"time"`
	Data       map[string][]any     `json:"data"`
	Timestamps map[string][]float64 `json:"timestamps"`
	Filled     map[string][]bool    `json:"filled,omitempty"`
}

// Len returns the number of events in the page.
func (p EventPage) Len() int {
	return len(p.Time)
}

// Validate checks the page's internal consistency: index bounds matching the
// row count, and every column having the same length.
func (p EventPage) Validate() error {
	n := p.Len()
	if n == 0 {
		return fmt.Errorf("event page for descriptor %q is empty", p.Descriptor)
	}
	if p.LastIndex-p.FirstIndex+1 != int64(n) {
		return fmt.Errorf("event page for descriptor %q: index range [%d, %d] does not cover %d rows",
			p.Descriptor, p.FirstIndex, p.LastIndex, n)
	}
	if len(p.UID) != n || len(p.SeqNum) != n {
		return fmt.Errorf("event page for descriptor %q: ragged identity columns", p.Descriptor)
	}
	for key, col := range p.Data {
		if len(col) != n {
			return fmt.Errorf("event page for descriptor %q: data column %q has %d rows, want %d",
				p.Descriptor, key, len(col), n)
		}
	}
	for key, col := range p.Timestamps {
		if len(col) != n {
			return fmt.Errorf("event page for descriptor %q: timestamp column %q has %d rows, want %d",
				p.Descriptor, key, len(col), n)
		}
	}
	for key, col := range p.Filled {
		if len(col) != n {
			return fmt.Errorf("event page for descriptor %q: filled column %q has %d rows, want %d",
				p.Descriptor, key, len(col), n)
		}
	}
	return nil
}

// Slice returns the sub-page covering rows [lo, hi) of p, with FirstIndex
// and LastIndex shifted to match. Column slices share backing arrays with p.
func (p EventPage) Slice(lo, hi int) EventPage {
	out := EventPage{
		Descriptor: p.Descriptor,
		FirstIndex: p.FirstIndex + int64(lo),
		LastIndex:  p.FirstIndex + int64(hi) - 1,
		UID:        p.UID[lo:hi],
		SeqNum:     p.SeqNum[lo:hi],
		Time:       p.Time[lo:hi],
	}
	if p.Data != nil {
		out.Data = make(map[string][]any, len(p.Data))
		for key, col := range p.Data {
			out.Data[key] = col[lo:hi]
		}
	}
	if p.Timestamps != nil {
		out.Timestamps = make(map[string][]float64, len(p.Timestamps))
		for key, col := range p.Timestamps {
			out.Timestamps[key] = col[lo:hi]
		}
	}
	if p.Filled != nil {
		out.Filled = make(map[string][]bool, len(p.Filled))
		for key, col := range p.Filled {
			out.Filled[key] = col[lo:hi]
		}
	}
	return out
}

// Events returns the page's rows as individual events, in page order.
func (p EventPage) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for i := 0; i < p.Len(); i++ {
			if !yield(p.Row(i)) {
				return
			}
		}
	}
}

// Row returns the i-th event of the page.
func (p EventPage) Row(i int) Event {
	ev := Event{
		Descriptor: p.Descriptor,
		UID:        p.UID[i],
		SeqNum:     p.SeqNum[i],
		Time:       p.Time[i],
		Data:       make(map[string]any, len(p.Data)),
		Timestamps: make(map[string]float64, len(p.Timestamps)),
	}
	for key, col := range p.Data {
		ev.Data[key] = col[i]
	}
	for key, col := range p.Timestamps {
		ev.Timestamps[key] = col[i]
	}
	if len(p.Filled) > 0 {
		ev.Filled = make(map[string]bool, len(p.Filled))
		for key, col := range p.Filled {
			ev.Filled[key] = col[i]
		}
	}
	return ev
}

// BuildEventPage packs events into a single columnar page starting at
// firstIndex. All events must belong to the same descriptor and carry the
// same data keys; the column set is taken from the first event.
func BuildEventPage(events []Event, firstIndex int64) EventPage {
	n := len(events)
	p := EventPage{
		FirstIndex: firstIndex,
		LastIndex:  firstIndex + int64(n) - 1,
		UID:        make([]string, n),
		SeqNum:     make([]uint64, n),
		Time:       make([]float64, n),
		Data:       map[string][]any{},
		Timestamps: map[string][]float64{},
	}
	if n == 0 {
		p.LastIndex = firstIndex
		return p
	}
	p.Descriptor = events[0].Descriptor
	for _, key := range sortedKeys(events[0].Data) {
		p.Data[key] = make([]any, n)
	}
	for key := range events[0].Timestamps {
		p.Timestamps[key] = make([]float64, n)
	}
	if len(events[0].Filled) > 0 {
		p.Filled = map[string][]bool{}
		for key := range events[0].Filled {
			p.Filled[key] = make([]bool, n)
		}
	}
	for i, ev := range events {
		p.UID[i] = ev.UID
		p.SeqNum[i] = ev.SeqNum
		p.Time[i] = ev.Time
		for key := range p.Data {
			p.Data[key][i] = ev.Data[key]
		}
		for key := range p.Timestamps {
			p.Timestamps[key][i] = ev.Timestamps[key]
		}
		for key := range p.Filled {
			p.Filled[key][i] = ev.Filled[key]
		}
	}
	return p
}

// DatumPage is a columnar batch of datum documents belonging to one
// resource, with the same index contract as EventPage.
type DatumPage struct {
	Resource    string           `json:"resource"`
	FirstIndex  int64            `json:"first_index"`
	LastIndex   int64            `json:"last_index"`
	DatumID     []string         `json:"datum_id"`
	DatumKwargs map[string][]any `json:"datum_kwargs"`
}

// Len returns the number of datum records in the page.
func (p DatumPage) Len() int {
	return len(p.DatumID)
}

// Validate checks index bounds and column lengths.
func (p DatumPage) Validate() error {
	n := p.Len()
	if n == 0 {
		return fmt.Errorf("datum page for resource %q is empty", p.Resource)
	}
	if p.LastIndex-p.FirstIndex+1 != int64(n) {
		return fmt.Errorf("datum page for resource %q: index range [%d, %d] does not cover %d rows",
			p.Resource, p.FirstIndex, p.LastIndex, n)
	}
	for key, col := range p.DatumKwargs {
		if len(col) != n {
			return fmt.Errorf("datum page for resource %q: kwarg column %q has %d rows, want %d",
				p.Resource, key, len(col), n)
		}
	}
	return nil
}

// Slice returns the sub-page covering rows [lo, hi) of p.
func (p DatumPage) Slice(lo, hi int) DatumPage {
	out := DatumPage{
		Resource:   p.Resource,
		FirstIndex: p.FirstIndex + int64(lo),
		LastIndex:  p.FirstIndex + int64(hi) - 1,
		DatumID:    p.DatumID[lo:hi],
	}
	if p.DatumKwargs != nil {
		out.DatumKwargs = make(map[string][]any, len(p.DatumKwargs))
		for key, col := range p.DatumKwargs {
			out.DatumKwargs[key] = col[lo:hi]
		}
	}
	return out
}

// Datums returns the page's rows as individual datum documents.
func (p DatumPage) Datums() iter.Seq[Datum] {
	return func(yield func(Datum) bool) {
		for i := 0; i < p.Len(); i++ {
			if !yield(p.Row(i)) {
				return
			}
		}
	}
}

// Row returns the i-th datum of the page.
func (p DatumPage) Row(i int) Datum {
	d := Datum{
		Resource:    p.Resource,
		DatumID:     p.DatumID[i],
		DatumKwargs: make(map[string]any, len(p.DatumKwargs)),
	}
	for key, col := range p.DatumKwargs {
		d.DatumKwargs[key] = col[i]
	}
	return d
}

// BuildDatumPage packs datum documents into a single columnar page starting
// at firstIndex.
func BuildDatumPage(datums []Datum, firstIndex int64) DatumPage {
	n := len(datums)
	p := DatumPage{
		FirstIndex:  firstIndex,
		LastIndex:   firstIndex + int64(n) - 1,
		DatumID:     make([]string, n),
		DatumKwargs: map[string][]any{},
	}
	if n == 0 {
		p.LastIndex = firstIndex
		return p
	}
	p.Resource = datums[0].Resource
	for _, key := range sortedKeys(datums[0].DatumKwargs) {
		p.DatumKwargs[key] = make([]any, n)
	}
	for i, d := range datums {
		p.DatumID[i] = d.DatumID
		for key := range p.DatumKwargs {
			p.DatumKwargs[key][i] = d.DatumKwargs[key]
		}
	}
	return p
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
