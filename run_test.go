package rungo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rungo/backend/jsonl"
	"github.com/hupe1980/rungo/document"
)

func TestRunStartStop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeRunLog(t, dir, "aa", 100, map[string]any{"scan_id": 9, "sample": "Ni"}, 3, true)
	writeRunLog(t, dir, "bb", 200, map[string]any{"scan_id": 10}, 1, false)
	cat := newTestCatalog(t, dir)

	run, err := cat.Get(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, "aa-0001", run.UID())
	assert.Equal(t, 100.25, run.Start().Time)
	assert.Equal(t, "Ni", run.Start().Fields["sample"])

	scan, ok := run.ScanID()
	require.True(t, ok)
	assert.Equal(t, uint64(9), scan)

	stop, ok, err := run.Stop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "success", stop.ExitStatus)
	assert.Equal(t, "aa-0001", stop.RunStart)

	inProgress, err := cat.Get(ctx, "bb")
	require.NoError(t, err)
	_, ok, err = inProgress.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunStreamsAndCounts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := jsonl.Create(filepath.Join(dir, "run.jsonl"))
	require.NoError(t, err)
	c := newRunComposer("run", 100, map[string]any{"scan_id": 1})
	require.NoError(t, w.WriteStart(c.Start()))

	primary := c.Descriptor("primary", map[string]document.DataKey{
		"x": {Source: "SIM:x", Dtype: "number", Shape: []int{}},
	})
	require.NoError(t, w.WriteDescriptor(primary))
	for i := 0; i < 5; i++ {
		ev, err := c.Event(primary, map[string]any{"x": float64(i)}, map[string]float64{"x": 100})
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(ev))
	}

	baseline := c.Descriptor("baseline", map[string]document.DataKey{
		"temp": {Source: "SIM:temp", Dtype: "number", Shape: []int{}},
	})
	require.NoError(t, w.WriteDescriptor(baseline))
	for i := 0; i < 2; i++ {
		ev, err := c.Event(baseline, map[string]any{"temp": 300.0}, map[string]float64{"temp": 100})
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(ev))
	}

	stop, err := c.Stop("success", "")
	require.NoError(t, err)
	require.NoError(t, w.WriteStop(stop))
	require.NoError(t, w.Close())

	cat := newTestCatalog(t, dir)
	run, err := cat.Get(ctx, "-1")
	require.NoError(t, err)

	streams, err := run.Streams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "baseline"}, streams)

	descs, err := run.Descriptors(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "primary", descs[0].Name)

	n, err := run.EventCount(ctx, descs[0].UID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	t.Run("StreamSelection", func(t *testing.T) {
		var temps int
		for ev, err := range run.Events(ctx, func(o *ReadOptions) { o.Streams = []string{"baseline"} }) {
			require.NoError(t, err)
			assert.Equal(t, descs[1].UID, ev.Descriptor)
			temps++
		}
		assert.Equal(t, 2, temps)
	})

	t.Run("UnknownStream", func(t *testing.T) {
		for _, err := range run.Events(ctx, func(o *ReadOptions) { o.Streams = []string{"tertiary"} }) {
			require.ErrorIs(t, err, ErrNotFound)
		}
	})

	t.Run("RowWindow", func(t *testing.T) {
		var seqs []uint64
		for ev, err := range run.Events(ctx, func(o *ReadOptions) {
			o.Streams = []string{"primary"}
			o.Skip = 1
			o.Limit = 2
		}) {
			require.NoError(t, err)
			seqs = append(seqs, ev.SeqNum)
		}
		assert.Equal(t, []uint64{2, 3}, seqs)
	})

	t.Run("PagesRepackToRequestedSize", func(t *testing.T) {
		type window struct{ first, last int64 }
		var windows []window
		for page, err := range run.EventPages(ctx, func(o *ReadOptions) {
			o.Streams = []string{"primary"}
			o.PageSize = 2
		}) {
			require.NoError(t, err)
			require.NoError(t, page.Validate())
			windows = append(windows, window{page.FirstIndex, page.LastIndex})
		}
		assert.Equal(t, []window{{0, 1}, {2, 3}, {4, 4}}, windows)
	})
}

// TestRunEventsMergedAcrossStreams drives three single-row-page streams whose
// events interleave in time and checks the merged order is exactly t=1..6.
func TestRunEventsMergedAcrossStreams(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := jsonl.Create(filepath.Join(dir, "run.jsonl"))
	require.NoError(t, err)
	c := newRunComposer("run", 0, map[string]any{"scan_id": 1})
	require.NoError(t, w.WriteStart(c.Start()))

	keys := map[string]document.DataKey{
		"x": {Source: "SIM:x", Dtype: "number", Shape: []int{}},
	}
	descA := c.Descriptor("A", keys)
	descB := c.Descriptor("B", keys)
	descC := c.Descriptor("C", keys)
	for _, d := range []document.Descriptor{descA, descB, descC} {
		require.NoError(t, w.WriteDescriptor(d))
	}

	mkEvent := func(desc document.Descriptor, seq uint64, at float64) document.Event {
		return document.Event{
			UID:        fmt.Sprintf("%s-ev-%d", desc.Name, seq),
			Descriptor: desc.UID,
			SeqNum:     seq,
			Time:       at,
			Data:       map[string]any{"x": at * 10},
			Timestamps: map[string]float64{"x": at},
		}
	}

	// One-row pages, interleaved: A at t=1,4; B at t=2,5; C at t=3,6.
	type rowSpec struct {
		desc  document.Descriptor
		seq   uint64
		index int64
		at    float64
	}
	for _, r := range []rowSpec{
		{descA, 1, 0, 1}, {descB, 1, 0, 2}, {descC, 1, 0, 3},
		{descA, 2, 1, 4}, {descB, 2, 1, 5}, {descC, 2, 1, 6},
	} {
		page := document.BuildEventPage([]document.Event{mkEvent(r.desc, r.seq, r.at)}, r.index)
		require.NoError(t, w.WriteEventPage(page))
	}

	stop, err := c.Stop("success", "")
	require.NoError(t, err)
	require.NoError(t, w.WriteStop(stop))
	require.NoError(t, w.Close())

	cat := newTestCatalog(t, dir)
	run, err := cat.Get(ctx, "-1")
	require.NoError(t, err)

	var times []float64
	var order []string
	for ev, err := range run.Events(ctx) {
		require.NoError(t, err)
		times = append(times, ev.Time)
		order = append(order, ev.Descriptor)
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, times)
	assert.Equal(t, []string{descA.UID, descB.UID, descC.UID, descA.UID, descB.UID, descC.UID}, order)

	t.Run("PagesMergeByFirstEventTime", func(t *testing.T) {
		var firsts []float64
		for page, err := range run.EventPages(ctx, func(o *ReadOptions) { o.PageSize = 1 }) {
			require.NoError(t, err)
			require.Equal(t, 1, page.Len())
			firsts = append(firsts, page.Time[0])
		}
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, firsts)
	})
}

func TestRunEventsMergeTieBreak(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := jsonl.Create(filepath.Join(dir, "run.jsonl"))
	require.NoError(t, err)
	c := newRunComposer("run", 0, map[string]any{"scan_id": 1})
	require.NoError(t, w.WriteStart(c.Start()))

	keys := map[string]document.DataKey{
		"x": {Source: "SIM:x", Dtype: "number", Shape: []int{}},
	}
	descA := c.Descriptor("A", keys)
	descB := c.Descriptor("B", keys)
	require.NoError(t, w.WriteDescriptor(descA))
	require.NoError(t, w.WriteDescriptor(descB))

	for _, d := range []document.Descriptor{descB, descA} { // write order must not matter
		page := document.BuildEventPage([]document.Event{{
			UID:        d.Name + "-ev",
			Descriptor: d.UID,
			SeqNum:     1,
			Time:       5,
			Data:       map[string]any{"x": 1.0},
			Timestamps: map[string]float64{"x": 5},
		}}, 0)
		require.NoError(t, w.WriteEventPage(page))
	}
	require.NoError(t, w.Close())

	cat := newTestCatalog(t, dir)
	run, err := cat.Get(ctx, "-1")
	require.NoError(t, err)

	// Equal times fall back to descriptor order, which is time of
	// declaration, not write order of the pages.
	var order []string
	for ev, err := range run.Events(ctx) {
		require.NoError(t, err)
		order = append(order, ev.Descriptor)
	}
	assert.Equal(t, []string{descA.UID, descB.UID}, order)
}

type externalFixture struct {
	desc   document.Descriptor
	res    document.Resource
	datums []document.Datum
}

// writeExternalRunLog writes a run whose img field resolves through a
// resource: three datums, three events referencing them, plus one datum with
// a foreign id format.
func writeExternalRunLog(t *testing.T, dir string) externalFixture {
	t.Helper()

	w, err := jsonl.Create(filepath.Join(dir, "ext.jsonl"))
	require.NoError(t, err)
	c := newRunComposer("ext", 100, map[string]any{"scan_id": 1})
	require.NoError(t, w.WriteStart(c.Start()))

	fx := externalFixture{}
	fx.desc = c.Descriptor("primary", map[string]document.DataKey{
		"img":   {Source: "PV:cam", Dtype: "array", Shape: []int{32, 32}, External: "FILESTORE:"},
		"motor": {Source: "SIM:motor", Dtype: "number", Shape: []int{}},
	})
	require.NoError(t, w.WriteDescriptor(fx.desc))

	fx.res = c.Resource("AD_HDF5", "/data", "scan_0001.h5", map[string]any{"frame_per_point": 1.0})
	require.NoError(t, w.WriteResource(fx.res))

	for i := 0; i < 3; i++ {
		d, err := c.Datum(fx.res, map[string]any{"point": float64(i)})
		require.NoError(t, err)
		require.NoError(t, w.WriteDatum(d))
		fx.datums = append(fx.datums, d)

		ev, err := c.Event(fx.desc,
			map[string]any{"img": d.DatumID, "motor": float64(i)},
			map[string]float64{"img": 100, "motor": 100},
		)
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(ev))
	}

	// A producer that mints its own id scheme.
	foreign := document.Datum{
		DatumID:     "foreign-0007",
		Resource:    fx.res.UID,
		DatumKwargs: map[string]any{"point": 99.0},
	}
	require.NoError(t, w.WriteDatum(foreign))
	fx.datums = append(fx.datums, foreign)

	stop, err := c.Stop("success", "")
	require.NoError(t, err)
	require.NoError(t, w.WriteStop(stop))
	require.NoError(t, w.Close())
	return fx
}

func TestRunExternalData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fx := writeExternalRunLog(t, dir)

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("AD_HDF5", HandlerFunc(
		func(_ context.Context, res document.Resource, kwargs map[string]any) (any, error) {
			return fmt.Sprintf("%s/%s#%v", res.Root, res.ResourcePath, kwargs["point"]), nil
		},
	)))

	cat := newTestCatalog(t, dir, WithHandlerRegistry(registry))
	run, err := cat.Get(ctx, "-1")
	require.NoError(t, err)

	resources, err := run.Resources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, fx.res.UID, resources[0].UID)

	res, err := run.Resource(ctx, fx.res.UID)
	require.NoError(t, err)
	assert.Equal(t, "AD_HDF5", res.Spec)

	uid, err := run.ResourceForDatum(ctx, fx.datums[0].DatumID)
	require.NoError(t, err)
	assert.Equal(t, fx.res.UID, uid)

	t.Run("Datums", func(t *testing.T) {
		var ids []string
		for d, err := range run.Datums(ctx, fx.res.UID) {
			require.NoError(t, err)
			ids = append(ids, d.DatumID)
		}
		assert.Equal(t, []string{
			fx.datums[0].DatumID, fx.datums[1].DatumID,
			fx.datums[2].DatumID, "foreign-0007",
		}, ids)
	})

	t.Run("DatumPages", func(t *testing.T) {
		var lens []int
		for page, err := range run.DatumPages(ctx, fx.res.UID, func(o *ReadOptions) { o.PageSize = 3 }) {
			require.NoError(t, err)
			lens = append(lens, page.Len())
		}
		assert.Equal(t, []int{3, 1}, lens)
	})

	t.Run("FilledMarksExternalField", func(t *testing.T) {
		for ev, err := range run.Events(ctx) {
			require.NoError(t, err)
			require.NotNil(t, ev.Filled)
			assert.False(t, ev.Filled["img"])
			_, hasMotor := ev.Filled["motor"]
			assert.False(t, hasMotor, "inline fields carry no filled flag")
		}
	})

	t.Run("LoadDatum", func(t *testing.T) {
		v, err := run.LoadDatum(ctx, fx.datums[1].DatumID)
		require.NoError(t, err)
		assert.Equal(t, "/data/scan_0001.h5#1", v)
	})

	t.Run("LoadDatumForeignID", func(t *testing.T) {
		v, err := run.LoadDatum(ctx, "foreign-0007")
		require.NoError(t, err)
		assert.Equal(t, "/data/scan_0001.h5#99", v)
	})

	t.Run("LoadDatumUnknown", func(t *testing.T) {
		_, err := run.LoadDatum(ctx, "nope-0001")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("NoRegistry", func(t *testing.T) {
		bare := newTestCatalog(t, dir)
		run, err := bare.Get(ctx, "-1")
		require.NoError(t, err)
		_, err = run.LoadDatum(ctx, fx.datums[0].DatumID)
		require.ErrorIs(t, err, ErrMisconfigured)
	})

	t.Run("NoHandlerForSpec", func(t *testing.T) {
		empty := newTestCatalog(t, dir, WithHandlerRegistry(NewHandlerRegistry()))
		run, err := empty.Get(ctx, "-1")
		require.NoError(t, err)
		_, err = run.LoadDatum(ctx, fx.datums[0].DatumID)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRunDocuments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fx := writeExternalRunLog(t, dir)

	cat := newTestCatalog(t, dir)
	run, err := cat.Get(ctx, "-1")
	require.NoError(t, err)

	var kinds []document.Kind
	for rec, err := range run.Documents(ctx) {
		require.NoError(t, err)
		kinds = append(kinds, rec.Kind)

		switch rec.Kind {
		case document.KindStart:
			assert.Equal(t, run.UID(), rec.Doc.(document.Start).UID)
		case document.KindDescriptor:
			assert.Equal(t, fx.desc.UID, rec.Doc.(document.Descriptor).UID)
		case document.KindResource:
			assert.Equal(t, fx.res.UID, rec.Doc.(document.Resource).UID)
		case document.KindDatumPage:
			assert.Equal(t, fx.res.UID, rec.Doc.(document.DatumPage).Resource)
		case document.KindEventPage:
			assert.Equal(t, fx.desc.UID, rec.Doc.(document.EventPage).Descriptor)
		case document.KindStop:
			assert.Equal(t, run.UID(), rec.Doc.(document.Stop).RunStart)
		}
	}
	assert.Equal(t, []document.Kind{
		document.KindStart,
		document.KindDescriptor,
		document.KindResource,
		document.KindDatumPage,
		document.KindEventPage,
		document.KindStop,
	}, kinds)
}

func TestRunDocumentsWithoutStop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeRunLog(t, dir, "aa", 100, map[string]any{"scan_id": 1}, 2, false)

	cat := newTestCatalog(t, dir)
	run, err := cat.Get(ctx, "-1")
	require.NoError(t, err)

	var kinds []document.Kind
	for rec, err := range run.Documents(ctx) {
		require.NoError(t, err)
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []document.Kind{
		document.KindStart,
		document.KindDescriptor,
		document.KindEventPage,
	}, kinds)
}
