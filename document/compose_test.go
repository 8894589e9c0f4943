package document

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testComposer(t *testing.T, fields map[string]any) *Composer {
	t.Helper()

	var tick float64
	var n int
	return NewComposer(fields,
		WithClock(func() float64 {
			tick++
			return tick
		}),
		WithNewUID(func() string {
			n++
			return fmt.Sprintf("uid-%d", n)
		}),
	)
}

func TestComposerStart(t *testing.T) {
	c := testComposer(t, map[string]any{"plan": "scan", "scan_id": float64(7)})

	start := c.Start()
	assert.Equal(t, "uid-1", start.UID)
	assert.Equal(t, float64(1), start.Time)
	assert.Equal(t, "scan", start.Fields["plan"])

	id, ok := start.ScanID()
	require.True(t, ok)
	assert.Equal(t, uint64(7), id)
}

func TestComposerEvents(t *testing.T) {
	c := testComposer(t, nil)
	desc := c.Descriptor("primary", map[string]DataKey{
		"motor": {Source: "SIM:motor", Dtype: "number"},
	})
	assert.Equal(t, c.Start().UID, desc.RunStart)

	first, err := c.Event(desc, map[string]any{"motor": 1.0}, map[string]float64{"motor": 10})
	require.NoError(t, err)
	second, err := c.Event(desc, map[string]any{"motor": 2.0}, map[string]float64{"motor": 11})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.SeqNum)
	assert.Equal(t, uint64(2), second.SeqNum)
	assert.Equal(t, desc.UID, first.Descriptor)
	assert.Nil(t, first.Filled)
}

func TestComposerEventForeignDescriptor(t *testing.T) {
	c := testComposer(t, nil)

	_, err := c.Event(Descriptor{UID: "elsewhere"}, nil, nil)
	assert.Error(t, err)
}

func TestComposerExternalFilled(t *testing.T) {
	c := testComposer(t, nil)
	desc := c.Descriptor("primary", map[string]DataKey{
		"image": {Source: "SIM:camera", Dtype: "array", Shape: []int{16, 16}, External: "FILESTORE:"},
	})

	res := c.Resource("ADHDF5", "/data", "scan.h5", map[string]any{"frame_per_point": 1})
	datum, err := c.Datum(res, map[string]any{"point_number": 0})
	require.NoError(t, err)
	assert.Equal(t, res.UID+"/0", datum.DatumID)

	ev, err := c.Event(desc, map[string]any{"image": datum.DatumID}, map[string]float64{"image": 12})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"image": false}, ev.Filled)

	// Descriptor fields carry the external marker through a raw round trip.
	d2, err := DescriptorFromFields(desc.Fields)
	require.NoError(t, err)
	assert.Equal(t, []string{"image"}, d2.ExternalKeys())
}

func TestComposerStop(t *testing.T) {
	c := testComposer(t, nil)
	desc := c.Descriptor("primary", map[string]DataKey{"motor": {Source: "SIM:motor", Dtype: "number"}})
	_, err := c.Event(desc, map[string]any{"motor": 1.0}, map[string]float64{"motor": 1})
	require.NoError(t, err)

	stop, err := c.Stop("", "")
	require.NoError(t, err)
	assert.Equal(t, c.Start().UID, stop.RunStart)
	assert.Equal(t, "success", stop.ExitStatus)
	assert.Equal(t, float64(1), stop.Fields["num_events"])

	_, err = c.Stop("success", "")
	assert.Error(t, err)
}
