package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
)

// mockClient is an in-memory DynamoDB mock supporting the store's key
// condition shapes. pageSize > 0 forces Query pagination.
type mockClient struct {
	mu       sync.RWMutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
}

func newMockClient() *mockClient {
	return &mockClient{items: map[string]map[string]types.AttributeValue{}}
}

func (m *mockClient) key(item map[string]types.AttributeValue) string {
	pk, _ := itemString(item, attrPK)
	sk, _ := itemString(item, attrSK)
	return pk + "|" + sk
}

func (m *mockClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[m.key(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item, ok := m.items[m.key(params.Key)]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	str := func(name string) string {
		v, _ := params.ExpressionAttributeValues[name].(*types.AttributeValueMemberS)
		if v == nil {
			return ""
		}
		return v.Value
	}

	sortAttr := attrSK
	if idx := aws.ToString(params.IndexName); idx != "" {
		if strings.Contains(idx, "uid") {
			sortAttr = attrUID
		} else {
			sortAttr = attrGSK
		}
	}

	match := func(item map[string]types.AttributeValue) bool {
		pk, _ := itemString(item, attrPK)
		sk, _ := itemString(item, attrSK)
		gpk, _ := itemString(item, attrGPK)
		uid, _ := itemString(item, attrUID)
		switch aws.ToString(params.KeyConditionExpression) {
		case "gpk = :p":
			return gpk == str(":p")
		case "gpk = :p AND begins_with(uid, :prefix)":
			return gpk == str(":p") && strings.HasPrefix(uid, str(":prefix"))
		case "pk = :p AND begins_with(sk, :prefix)":
			return pk == str(":p") && strings.HasPrefix(sk, str(":prefix"))
		case "pk = :p AND sk <= :sk":
			return pk == str(":p") && sk <= str(":sk")
		case "pk = :p AND sk > :sk":
			return pk == str(":p") && sk > str(":sk")
		}
		return false
	}

	var rows []map[string]types.AttributeValue
	for _, item := range m.items {
		if _, hasSort := itemString(item, sortAttr); hasSort && match(item) {
			rows = append(rows, item)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, _ := itemString(rows[i], sortAttr)
		b, _ := itemString(rows[j], sortAttr)
		return a < b
	})
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	offset := 0
	if c, ok := params.ExclusiveStartKey["cursor"].(*types.AttributeValueMemberN); ok {
		offset, _ = strconv.Atoi(c.Value)
	}
	end := len(rows)
	if params.Limit != nil && offset+int(*params.Limit) < end {
		end = offset + int(*params.Limit)
	}
	if m.pageSize > 0 && offset+m.pageSize < end {
		end = offset + m.pageSize
	}

	out := &dynamodb.QueryOutput{Items: rows[offset:end]}
	if end < len(rows) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"cursor": &types.AttributeValueMemberN{Value: strconv.Itoa(end)},
		}
	}
	return out, nil
}

func newTestStore(t *testing.T, client *mockClient, opts ...Option) *Store {
	t.Helper()
	s, err := New(client, "runs", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newRunComposer returns a composer with deterministic output: uids are
// prefix-0001, prefix-0002, ... and times step by 0.25s from base.
func newRunComposer(prefix string, base float64, fields map[string]any) *document.Composer {
	var uids, ticks int
	return document.NewComposer(fields,
		document.WithNewUID(func() string {
			uids++
			return fmt.Sprintf("%s-%04d", prefix, uids)
		}),
		document.WithClock(func() float64 {
			ticks++
			return base + float64(ticks)*0.25
		}),
	)
}

type runFixture struct {
	start  document.Start
	desc   document.Descriptor
	events []document.Event
}

func ingestRun(t *testing.T, s *Store, prefix string, base float64, fields map[string]any, numEvents int, stopped bool) runFixture {
	t.Helper()
	ctx := context.Background()

	c := newRunComposer(prefix, base, fields)
	w, err := s.NewWriter()
	require.NoError(t, err)

	fx := runFixture{start: c.Start()}
	require.NoError(t, w.WriteStart(ctx, fx.start))

	fx.desc = c.Descriptor("primary", map[string]document.DataKey{
		"motor": {Source: "SIM:motor", Dtype: "number", Shape: []int{}},
	})
	require.NoError(t, w.WriteDescriptor(ctx, fx.desc))

	for i := 0; i < numEvents; i++ {
		ev, err := c.Event(fx.desc,
			map[string]any{"motor": float64(i)},
			map[string]float64{"motor": base + float64(i)},
		)
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(ctx, ev))
		fx.events = append(fx.events, ev)
	}

	if stopped {
		st, err := c.Stop("success", "")
		require.NoError(t, err)
		require.NoError(t, w.WriteStop(ctx, st))
	}
	require.NoError(t, w.Close(ctx))
	return fx
}

func collectRuns(t *testing.T, s *Store, q query.Query) []string {
	t.Helper()
	var uids []string
	for start, err := range s.Runs(context.Background(), q) {
		require.NoError(t, err)
		uids = append(uids, start.UID)
	}
	return uids
}

func collectEventPages(t *testing.T, s *Store, desc string, skip, limit int64) []document.EventPage {
	t.Helper()
	var pages []document.EventPage
	for p, err := range s.EventPages(context.Background(), desc, skip, limit) {
		require.NoError(t, err)
		pages = append(pages, p)
	}
	return pages
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "runs")
	require.Error(t, err)

	_, err = New(newMockClient(), "")
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockClient(), WithPageSize(4))
	ingestRun(t, s, "aa", 100, map[string]any{
		"plan_name": "scan",
		"scan_id":   1,
		"md":        map[string]any{"sample": "Ni", "temperature": 300.0},
	}, 10, true)
	ingestRun(t, s, "bb", 300, map[string]any{"plan_name": "count", "scan_id": 2}, 3, false)

	t.Run("RunsNewestFirst", func(t *testing.T) {
		assert.Equal(t, []string{"bb-0001", "aa-0001"}, collectRuns(t, s, query.New()))

		n, err := s.CountRuns(ctx, query.New())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Filtering", func(t *testing.T) {
		assert.Equal(t, []string{"aa-0001"}, collectRuns(t, s, query.New(query.Eq("plan_name", "scan"))))
		assert.Equal(t, []string{"bb-0001"}, collectRuns(t, s, query.New(query.Since(150))))
		assert.Nil(t, collectRuns(t, s, query.New(query.Eq("plan_name", "grid"))))
	})

	t.Run("StartFieldsSurviveAttributeRoundTrip", func(t *testing.T) {
		start, err := s.RunStart(ctx, "aa-0001")
		require.NoError(t, err)
		assert.Equal(t, 100.25, start.Time)
		assert.Equal(t, 1.0, start.Fields["scan_id"])
		assert.Equal(t, map[string]any{"sample": "Ni", "temperature": 300.0}, start.Fields["md"])

		_, err = s.RunStart(ctx, "zz-0001")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("UIDsWithPrefix", func(t *testing.T) {
		uids, err := s.UIDsWithPrefix(ctx, "aa", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"aa-0001"}, uids)

		uids, err = s.UIDsWithPrefix(ctx, "", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"bb-0001"}, uids)

		uids, err = s.UIDsWithPrefix(ctx, "zz", 10)
		require.NoError(t, err)
		assert.Empty(t, uids)
	})

	t.Run("RunStop", func(t *testing.T) {
		stop, ok, err := s.RunStop(ctx, "aa-0001")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 10.0, stop.Fields["num_events"])

		_, ok, err = s.RunStop(ctx, "bb-0001")
		require.NoError(t, err)
		assert.False(t, ok)

		_, _, err = s.RunStop(ctx, "zz-0001")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("Descriptors", func(t *testing.T) {
		descs, err := s.Descriptors(ctx, "aa-0001")
		require.NoError(t, err)
		require.Len(t, descs, 1)
		assert.Equal(t, "aa-0002", descs[0].UID)

		_, err = s.Descriptors(ctx, "zz-0001")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("EventCount", func(t *testing.T) {
		n, err := s.EventCount(ctx, "aa-0002")
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)

		_, err = s.EventCount(ctx, "zz-0002")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("EventPagesFullStream", func(t *testing.T) {
		pages := collectEventPages(t, s, "aa-0002", 0, -1)
		require.Len(t, pages, 3)
		assert.Equal(t, int64(0), pages[0].FirstIndex)
		assert.Equal(t, int64(3), pages[0].LastIndex)
		assert.Equal(t, int64(9), pages[2].LastIndex)
		assert.Equal(t, 7.0, pages[1].Data["motor"][3])
	})

	t.Run("EventPagesWindow", func(t *testing.T) {
		pages := collectEventPages(t, s, "aa-0002", 5, 2)
		require.Len(t, pages, 1)
		assert.Equal(t, int64(5), pages[0].FirstIndex)
		assert.Equal(t, int64(6), pages[0].LastIndex)
		assert.Equal(t, []uint64{6, 7}, pages[0].SeqNum)
	})

	t.Run("EventPagesSkipPastEnd", func(t *testing.T) {
		assert.Empty(t, collectEventPages(t, s, "aa-0002", 99, -1))
	})

	t.Run("EventPagesUnknownDescriptor", func(t *testing.T) {
		for _, err := range s.EventPages(ctx, "zz-0002", 0, -1) {
			assert.ErrorIs(t, err, backend.ErrNotFound)
			return
		}
		t.Fatal("expected an error from the unknown descriptor")
	})
}

func TestQueryPagination(t *testing.T) {
	client := newMockClient()
	client.pageSize = 1
	s := newTestStore(t, client)
	ingestRun(t, s, "aa", 100, nil, 2, true)
	ingestRun(t, s, "bb", 200, nil, 2, true)
	ingestRun(t, s, "cc", 300, nil, 2, true)

	assert.Equal(t, []string{"cc-0001", "bb-0001", "aa-0001"}, collectRuns(t, s, query.New()))

	uids, err := s.UIDsWithPrefix(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cc-0001", "bb-0001", "aa-0001"}, uids)
}

func TestExternalDataFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockClient(), WithPageSize(4))

	c := newRunComposer("xx", 500, nil)
	w, err := s.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.WriteStart(ctx, c.Start()))

	desc := c.Descriptor("primary", map[string]document.DataKey{
		"img": {Source: "SIM:cam", Dtype: "array", Shape: []int{32, 32}, External: "FILESTORE:"},
	})
	require.NoError(t, w.WriteDescriptor(ctx, desc))

	res := c.Resource("AD_HDF5", "/data", "scan_0001.h5", map[string]any{"frame_per_point": 1})
	require.NoError(t, w.WriteResource(ctx, res))

	for i := 0; i < 5; i++ {
		d, err := c.Datum(res, map[string]any{"point": float64(i)})
		require.NoError(t, err)
		require.NoError(t, w.WriteDatum(ctx, d))

		ev, err := c.Event(desc, map[string]any{"img": d.DatumID}, nil)
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(ctx, ev))
	}
	require.NoError(t, w.Close(ctx))

	t.Run("Resource", func(t *testing.T) {
		got, err := s.Resource(ctx, res.UID)
		require.NoError(t, err)
		assert.Equal(t, "AD_HDF5", got.Spec)

		_, err = s.Resource(ctx, "missing")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("Resources", func(t *testing.T) {
		got, err := s.Resources(ctx, "xx-0001")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, res.UID, got[0].UID)
	})

	t.Run("ResourceForDatum", func(t *testing.T) {
		owner, err := s.ResourceForDatum(ctx, res.UID+"/2")
		require.NoError(t, err)
		assert.Equal(t, res.UID, owner)

		_, err = s.ResourceForDatum(ctx, "missing/0")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("DatumPages", func(t *testing.T) {
		var pages []document.DatumPage
		for p, err := range s.DatumPages(ctx, res.UID, 0, -1) {
			require.NoError(t, err)
			pages = append(pages, p)
		}
		require.Len(t, pages, 2)
		assert.Equal(t, int64(3), pages[0].LastIndex)
		assert.Equal(t, int64(4), pages[1].FirstIndex)
		assert.Equal(t, res.UID+"/4", pages[1].DatumID[0])
	})

	t.Run("FilledMarksExternalField", func(t *testing.T) {
		pages := collectEventPages(t, s, desc.UID, 0, -1)
		require.NotEmpty(t, pages)
		for _, filled := range pages[0].Filled["img"] {
			assert.False(t, filled)
		}
	})
}

func TestZeroEventStream(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockClient())
	fx := ingestRun(t, s, "aa", 100, nil, 0, true)

	n, err := s.EventCount(ctx, fx.desc.UID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, collectEventPages(t, s, fx.desc.UID, 0, -1))
}

func TestWriterValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockClient())

	t.Run("StartTwice", func(t *testing.T) {
		c := newRunComposer("v1", 100, nil)
		w, err := s.NewWriter()
		require.NoError(t, err)
		require.NoError(t, w.WriteStart(ctx, c.Start()))
		assert.ErrorContains(t, w.WriteStart(ctx, c.Start()), "already has a start")
	})

	t.Run("EventUnknownDescriptor", func(t *testing.T) {
		c := newRunComposer("v2", 100, nil)
		w, err := s.NewWriter()
		require.NoError(t, err)
		require.NoError(t, w.WriteStart(ctx, c.Start()))
		ev := document.Event{UID: "e1", Descriptor: "nope", SeqNum: 1, Time: 100}
		assert.ErrorContains(t, w.WriteEvent(ctx, ev), "unknown descriptor")
	})

	t.Run("WriteAfterStop", func(t *testing.T) {
		c := newRunComposer("v3", 100, nil)
		w, err := s.NewWriter()
		require.NoError(t, err)
		require.NoError(t, w.WriteStart(ctx, c.Start()))
		st, err := c.Stop("success", "")
		require.NoError(t, err)
		require.NoError(t, w.WriteStop(ctx, st))
		assert.ErrorContains(t, w.WriteStop(ctx, st), "already has a stop")
	})
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockClient())
	ingestRun(t, s, "aa", 100, nil, 1, true)

	require.NoError(t, s.Close())

	_, err := s.RunStart(ctx, "aa-0001")
	assert.ErrorIs(t, err, backend.ErrClosed)

	assert.ErrorIs(t, s.Refresh(ctx), backend.ErrClosed)

	_, err = s.NewWriter()
	assert.ErrorIs(t, err, backend.ErrClosed)
}
