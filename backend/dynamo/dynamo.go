// Package dynamo implements the document-store backend on DynamoDB with a
// single-table layout. Query clauses are evaluated client-side; the table
// only provides enumeration order and point lookups.
//
// Table schema:
//   - Partition key: pk (string), sort key: sk (string)
//   - GSI gsi-order: partition gpk, sort gsk (runs newest first)
//   - GSI gsi-uid: partition gpk, sort uid (run uid prefix lookups)
//
// Both GSIs are sparse: only start items carry gpk, and both need full
// projection. Items per run:
//
//	run#{uid}    start | stop | desc#{timebits}#{uid} | res#{res}
//	desc#{uid}   count | page#{index}
//	res#{uid}    doc | page#{index}
//	datum#{id}   owner
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name runs \
//	  --attribute-definitions AttributeName=pk,AttributeType=S \
//	    AttributeName=sk,AttributeType=S AttributeName=gpk,AttributeType=S \
//	    AttributeName=gsk,AttributeType=S AttributeName=uid,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH AttributeName=sk,KeyType=RANGE \
//	  --global-secondary-indexes \
//	    'IndexName=gsi-order,KeySchema=[{AttributeName=gpk,KeyType=HASH},{AttributeName=gsk,KeyType=RANGE}],Projection={ProjectionType=ALL}' \
//	    'IndexName=gsi-uid,KeySchema=[{AttributeName=gpk,KeyType=HASH},{AttributeName=uid,KeyType=RANGE}],Projection={ProjectionType=ALL}' \
//	  --billing-mode PAY_PER_REQUEST
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/rungo/backend"
	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
	"github.com/hupe1980/rungo/stream"
)

// Client is the interface for the DynamoDB operations the store uses.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// defaultPageSize keeps stored pages comfortably inside DynamoDB's 400KB
// item limit.
const defaultPageSize = 500

// Options configures a Store.
type Options struct {
	// Codec encodes page bodies. Document fields are stored as native
	// DynamoDB maps; only the bulk page payloads go through the codec.
	Codec codec.Codec

	// Logger receives structured store logs. Defaults to a discarding logger.
	Logger *slog.Logger

	// PageSize is the rows-per-page target for ingested pages.
	PageSize int

	// OrderIndex is the name of the newest-first GSI.
	OrderIndex string

	// UIDIndex is the name of the uid-prefix GSI.
	UIDIndex string
}

// Option configures a Store.
type Option func(*Options)

// WithCodec sets the page body codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithPageSize sets the rows-per-page target for ingested pages.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithOrderIndex overrides the name of the newest-first GSI.
func WithOrderIndex(name string) Option {
	return func(o *Options) { o.OrderIndex = name }
}

// WithUIDIndex overrides the name of the uid-prefix GSI.
func WithUIDIndex(name string) Option {
	return func(o *Options) { o.UIDIndex = name }
}

func defaultOptions() Options {
	return Options{
		Codec:      codec.Default,
		Logger:     slog.New(slog.DiscardHandler),
		PageSize:   defaultPageSize,
		OrderIndex: "gsi-order",
		UIDIndex:   "gsi-uid",
	}
}

// Store serves runs from a DynamoDB table.
type Store struct {
	client Client
	table  string
	opts   Options
	log    *slog.Logger
	codec  codec.Codec
	closed atomic.Bool
}

var _ backend.Store = (*Store)(nil)

// New creates a store over an existing table.
func New(client Client, table string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("dynamo: client is required")
	}
	if table == "" {
		return nil, errors.New("dynamo: table name is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.PageSize < 1 {
		o.PageSize = defaultPageSize
	}
	return &Store{
		client: client,
		table:  table,
		opts:   o,
		log:    o.Logger.With("table", table),
		codec:  o.Codec,
	}, nil
}

// Table returns the table name.
func (s *Store) Table() string {
	return s.table
}

// getItem returns the item with the given key, or backend.ErrNotFound.
func (s *Store) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(pk, sk),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", pk, sk, err)
	}
	if len(out.Item) == 0 {
		return nil, backend.ErrNotFound
	}
	return out.Item, nil
}

// queryAll runs a query to exhaustion, following pagination, and hands each
// item to fn. fn returning false stops early.
func (s *Store) queryAll(ctx context.Context, in *dynamodb.QueryInput, fn func(map[string]types.AttributeValue) (bool, error)) error {
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			ok, err := fn(item)
			if err != nil || !ok {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Runs yields matching start documents, most recent first. Clauses are
// evaluated here, not in the table.
func (s *Store) Runs(ctx context.Context, q query.Query) iter.Seq2[document.Start, error] {
	return func(yield func(document.Start, error) bool) {
		if s.closed.Load() {
			yield(document.Start{}, backend.ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(document.Start{}, err)
			return
		}

		in := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(s.opts.OrderIndex),
			KeyConditionExpression: aws.String("gpk = :p"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": avS(gpkRun),
			},
		}
		err := s.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			start, err := decodeStartItem(item)
			if err != nil {
				return false, s.malformed(item, err)
			}
			if !q.Matches(start.Fields) {
				return true, nil
			}
			return yield(start, nil), nil
		})
		if err != nil {
			yield(document.Start{}, err)
		}
	}
}

// CountRuns reports how many runs match q.
func (s *Store) CountRuns(ctx context.Context, q query.Query) (int, error) {
	n := 0
	for _, err := range s.Runs(ctx, q) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// RunStart returns the start document for an exact run uid.
func (s *Store) RunStart(ctx context.Context, runUID string) (document.Start, error) {
	if s.closed.Load() {
		return document.Start{}, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Start{}, err
	}
	item, err := s.getItem(ctx, runPK(runUID), skStart)
	if err != nil {
		return document.Start{}, fmt.Errorf("run %q: %w", runUID, err)
	}
	return decodeStartItem(item)
}

// UIDsWithPrefix returns up to limit run uids starting with prefix, most
// recent first.
func (s *Store) UIDsWithPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.opts.UIDIndex),
		KeyConditionExpression: aws.String("gpk = :p AND begins_with(uid, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":      avS(gpkRun),
			":prefix": avS(prefix),
		},
	}
	if prefix == "" {
		in.KeyConditionExpression = aws.String("gpk = :p")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":p": avS(gpkRun),
		}
	}

	type match struct {
		uid  string
		time float64
	}
	var matches []match
	err := s.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		start, err := decodeStartItem(item)
		if err != nil {
			return false, s.malformed(item, err)
		}
		matches = append(matches, match{uid: start.UID, time: start.Time})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].time != matches[j].time {
			return matches[i].time > matches[j].time
		}
		return matches[i].uid < matches[j].uid
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	uids := make([]string, len(matches))
	for i, m := range matches {
		uids[i] = m.uid
	}
	return uids, nil
}

// RunStop returns the run's stop document, or ok == false while the run is
// still in progress.
func (s *Store) RunStop(ctx context.Context, runUID string) (document.Stop, bool, error) {
	if s.closed.Load() {
		return document.Stop{}, false, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Stop{}, false, err
	}

	item, err := s.getItem(ctx, runPK(runUID), skStop)
	if errors.Is(err, backend.ErrNotFound) {
		if _, err := s.getItem(ctx, runPK(runUID), skStart); err != nil {
			return document.Stop{}, false, fmt.Errorf("run %q: %w", runUID, err)
		}
		return document.Stop{}, false, nil
	}
	if err != nil {
		return document.Stop{}, false, err
	}
	stop, err := decodeStopItem(item)
	if err != nil {
		return document.Stop{}, false, err
	}
	return stop, true, nil
}

// Descriptors returns the run's stream descriptors in time order.
func (s *Store) Descriptors(ctx context.Context, runUID string) ([]document.Descriptor, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.getItem(ctx, runPK(runUID), skStart); err != nil {
		return nil, fmt.Errorf("run %q: %w", runUID, err)
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :p AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":      avS(runPK(runUID)),
			":prefix": avS(skDescLS),
		},
	}
	var descs []document.Descriptor
	err := s.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		desc, err := decodeDescriptorItem(item)
		if err != nil {
			return false, s.malformed(item, err)
		}
		descs = append(descs, desc)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return descs, nil
}

// EventPages yields the descriptor's events as pages clipped to the row
// window. The covering page is found with a single descending query, the
// rest follow in order.
func (s *Store) EventPages(ctx context.Context, descriptorUID string, skip, limit int64) iter.Seq2[document.EventPage, error] {
	return func(yield func(document.EventPage, error) bool) {
		if s.closed.Load() {
			yield(document.EventPage{}, backend.ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(document.EventPage{}, err)
			return
		}
		if _, err := s.getItem(ctx, descPK(descriptorUID), skCount); err != nil {
			yield(document.EventPage{}, fmt.Errorf("descriptor %q: %w", descriptorUID, err))
			return
		}
		if skip < 0 {
			skip = 0
		}

		item, ok, err := s.coveringPage(ctx, descPK(descriptorUID), uint64(skip))
		if err != nil {
			yield(document.EventPage{}, err)
			return
		}
		if !ok {
			return
		}
		var first document.EventPage
		if err := decodeBody(s.codec, item, &first); err != nil {
			yield(document.EventPage{}, s.malformed(item, err))
			return
		}

		pages := func(yield func(document.EventPage, error) bool) {
			if !yield(first, nil) {
				return
			}
			err := s.pagesAfter(ctx, descPK(descriptorUID), item, func(item map[string]types.AttributeValue) (bool, error) {
				var p document.EventPage
				if err := decodeBody(s.codec, item, &p); err != nil {
					return false, s.malformed(item, err)
				}
				return yield(p, nil), nil
			})
			if err != nil {
				yield(document.EventPage{}, err)
			}
		}

		for page, err := range stream.ClipEventPages(pages, skip-first.FirstIndex, limit) {
			if !yield(page, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// EventCount reports the number of events in the descriptor's stream.
func (s *Store) EventCount(ctx context.Context, descriptorUID string) (int64, error) {
	if s.closed.Load() {
		return 0, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	item, err := s.getItem(ctx, descPK(descriptorUID), skCount)
	if err != nil {
		return 0, fmt.Errorf("descriptor %q: %w", descriptorUID, err)
	}
	n, err := decodeCount(item)
	if err != nil {
		return 0, s.malformed(item, err)
	}
	return n, nil
}

// Resources returns the run's resource documents, ordered by uid.
func (s *Store) Resources(ctx context.Context, runUID string) ([]document.Resource, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.getItem(ctx, runPK(runUID), skStart); err != nil {
		return nil, fmt.Errorf("run %q: %w", runUID, err)
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :p AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":      avS(runPK(runUID)),
			":prefix": avS(skResLS),
		},
	}
	var resources []document.Resource
	err := s.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		res, err := decodeResourceItem(item)
		if err != nil {
			return false, s.malformed(item, err)
		}
		resources = append(resources, res)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// Resource returns the resource document with the given uid.
func (s *Store) Resource(ctx context.Context, uid string) (document.Resource, error) {
	if s.closed.Load() {
		return document.Resource{}, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return document.Resource{}, err
	}
	item, err := s.getItem(ctx, resPK(uid), skDoc)
	if err != nil {
		return document.Resource{}, fmt.Errorf("resource %q: %w", uid, err)
	}
	return decodeResourceItem(item)
}

// ResourceForDatum maps a datum id to its resource uid.
func (s *Store) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	if s.closed.Load() {
		return "", backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	item, err := s.getItem(ctx, datumPK(datumID), skOwner)
	if err != nil {
		return "", fmt.Errorf("datum %q: %w", datumID, err)
	}
	owner, ok := itemString(item, attrResource)
	if !ok {
		return "", s.malformed(item, fmt.Errorf("item has no %s attribute", attrResource))
	}
	return owner, nil
}

// DatumPages yields the resource's datum documents as pages clipped to the
// row window.
func (s *Store) DatumPages(ctx context.Context, resourceUID string, skip, limit int64) iter.Seq2[document.DatumPage, error] {
	return func(yield func(document.DatumPage, error) bool) {
		if s.closed.Load() {
			yield(document.DatumPage{}, backend.ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(document.DatumPage{}, err)
			return
		}
		if _, err := s.getItem(ctx, resPK(resourceUID), skDoc); err != nil {
			yield(document.DatumPage{}, fmt.Errorf("resource %q: %w", resourceUID, err))
			return
		}
		if skip < 0 {
			skip = 0
		}

		item, ok, err := s.coveringPage(ctx, resPK(resourceUID), uint64(skip))
		if err != nil {
			yield(document.DatumPage{}, err)
			return
		}
		if !ok {
			return
		}
		var first document.DatumPage
		if err := decodeBody(s.codec, item, &first); err != nil {
			yield(document.DatumPage{}, s.malformed(item, err))
			return
		}

		pages := func(yield func(document.DatumPage, error) bool) {
			if !yield(first, nil) {
				return
			}
			err := s.pagesAfter(ctx, resPK(resourceUID), item, func(item map[string]types.AttributeValue) (bool, error) {
				var p document.DatumPage
				if err := decodeBody(s.codec, item, &p); err != nil {
					return false, s.malformed(item, err)
				}
				return yield(p, nil), nil
			})
			if err != nil {
				yield(document.DatumPage{}, err)
			}
		}

		for page, err := range stream.ClipDatumPages(pages, skip-first.FirstIndex, limit) {
			if !yield(page, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// coveringPage returns the last page item whose first row index is at or
// below skip, or ok == false when the stream has no pages.
func (s *Store) coveringPage(ctx context.Context, pk string, skip uint64) (map[string]types.AttributeValue, bool, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :p AND sk <= :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":  avS(pk),
			":sk": avS(pageSK(skip)),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, false, err
	}
	if len(out.Items) == 0 {
		return nil, false, nil
	}
	item := out.Items[0]
	// The partition also holds the stream's metadata item, which sorts
	// below every page; seeing it means there are no pages at all.
	if sk, _ := itemString(item, attrSK); !strings.HasPrefix(sk, skPage) {
		return nil, false, nil
	}
	return item, true, nil
}

// pagesAfter walks the page items after the given one, in index order.
func (s *Store) pagesAfter(ctx context.Context, pk string, after map[string]types.AttributeValue, fn func(map[string]types.AttributeValue) (bool, error)) error {
	sk, _ := itemString(after, attrSK)
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :p AND sk > :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":  avS(pk),
			":sk": avS(sk),
		},
	}
	return s.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return fn(item)
	})
}

// Refresh is a no-op: the table is authoritative and reads always see
// committed writes.
func (s *Store) Refresh(ctx context.Context) error {
	if s.closed.Load() {
		return backend.ErrClosed
	}
	return ctx.Err()
}

// Close marks the store closed. The client is owned by the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) malformed(item map[string]types.AttributeValue, err error) error {
	pk, _ := itemString(item, attrPK)
	sk, _ := itemString(item, attrSK)
	return &backend.MalformedRecordError{
		Path: fmt.Sprintf("%s[%s/%s]", s.table, pk, sk),
		Err:  err,
	}
}
