package document

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvents(descriptor string, n int, startSeq uint64) []Event {
	events := make([]Event, n)
	for i := range events {
		seq := startSeq + uint64(i)
		events[i] = Event{
			UID:        fmt.Sprintf("ev-%d", seq),
			Descriptor: descriptor,
			SeqNum:     seq,
			Time:       float64(1000 + seq),
			Data:       map[string]any{"motor": float64(seq), "det": float64(seq) * 2},
			Timestamps: map[string]float64{"motor": float64(1000 + seq), "det": float64(1000 + seq)},
		}
	}
	return events
}

func TestBuildEventPage(t *testing.T) {
	events := makeEvents("desc-1", 4, 1)
	page := BuildEventPage(events, 0)

	require.NoError(t, page.Validate())
	assert.Equal(t, "desc-1", page.Descriptor)
	assert.Equal(t, int64(0), page.FirstIndex)
	assert.Equal(t, int64(3), page.LastIndex)
	assert.Equal(t, 4, page.Len())
	assert.Equal(t, []uint64{1, 2, 3, 4}, page.SeqNum)
	assert.Equal(t, []any{float64(2), float64(4), float64(6), float64(8)}, page.Data["det"])
}

func TestEventPageRoundTrip(t *testing.T) {
	events := makeEvents("desc-1", 5, 7)
	page := BuildEventPage(events, 6)

	var got []Event
	for ev := range page.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, events, got)
}

func TestEventPageSlice(t *testing.T) {
	page := BuildEventPage(makeEvents("desc-1", 6, 1), 10)

	sub := page.Slice(2, 5)
	require.NoError(t, sub.Validate())
	assert.Equal(t, int64(12), sub.FirstIndex)
	assert.Equal(t, int64(14), sub.LastIndex)
	assert.Equal(t, 3, sub.Len())
	assert.Equal(t, []uint64{3, 4, 5}, sub.SeqNum)
	assert.Equal(t, []any{float64(3), float64(4), float64(5)}, sub.Data["motor"])
}

func TestEventPageValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EventPage)
	}{
		{
			name:   "Empty",
			mutate: func(p *EventPage) { *p = EventPage{Descriptor: "desc-1"} },
		},
		{
			name:   "IndexMismatch",
			mutate: func(p *EventPage) { p.LastIndex += 5 },
		},
		{
			name:   "RaggedUID",
			mutate: func(p *EventPage) { p.UID = p.UID[:1] },
		},
		{
			name:   "RaggedData",
			mutate: func(p *EventPage) { p.Data["motor"] = p.Data["motor"][:1] },
		},
		{
			name:   "RaggedTimestamps",
			mutate: func(p *EventPage) { p.Timestamps["det"] = p.Timestamps["det"][:1] },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := BuildEventPage(makeEvents("desc-1", 3, 1), 0)
			tt.mutate(&page)
			assert.Error(t, page.Validate())
		})
	}
}

func TestEventPageFilled(t *testing.T) {
	events := makeEvents("desc-1", 2, 1)
	for i := range events {
		events[i].Filled = map[string]bool{"image": false}
		events[i].Data["image"] = fmt.Sprintf("datum-%d", i)
	}
	page := BuildEventPage(events, 0)

	require.NoError(t, page.Validate())
	assert.Equal(t, []bool{false, false}, page.Filled["image"])

	row := page.Row(1)
	assert.Equal(t, map[string]bool{"image": false}, row.Filled)
	assert.Equal(t, "datum-1", row.Data["image"])
}

func TestBuildDatumPage(t *testing.T) {
	datums := []Datum{
		{DatumID: "res-1/0", Resource: "res-1", DatumKwargs: map[string]any{"point": float64(0)}},
		{DatumID: "res-1/1", Resource: "res-1", DatumKwargs: map[string]any{"point": float64(1)}},
		{DatumID: "res-1/2", Resource: "res-1", DatumKwargs: map[string]any{"point": float64(2)}},
	}
	page := BuildDatumPage(datums, 0)

	require.NoError(t, page.Validate())
	assert.Equal(t, "res-1", page.Resource)
	assert.Equal(t, int64(2), page.LastIndex)
	assert.Equal(t, []any{float64(0), float64(1), float64(2)}, page.DatumKwargs["point"])

	var got []Datum
	for d := range page.Datums() {
		got = append(got, d)
	}
	assert.Equal(t, datums, got)
}

func TestDatumPageSlice(t *testing.T) {
	datums := make([]Datum, 5)
	for i := range datums {
		datums[i] = Datum{
			DatumID:     fmt.Sprintf("res-1/%d", i),
			Resource:    "res-1",
			DatumKwargs: map[string]any{"point": float64(i)},
		}
	}
	page := BuildDatumPage(datums, 100)

	sub := page.Slice(1, 4)
	require.NoError(t, sub.Validate())
	assert.Equal(t, int64(101), sub.FirstIndex)
	assert.Equal(t, int64(103), sub.LastIndex)
	assert.Equal(t, []string{"res-1/1", "res-1/2", "res-1/3"}, sub.DatumID)
}
