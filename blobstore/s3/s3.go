package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/rungo/blobstore"
)

// Client is the subset of the Amazon S3 API the store calls. *s3.Client
// satisfies it.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every object name, e.g. "beamline-a/".
	Prefix string

	// Region overrides the region resolved from the environment.
	Region string

	// Client overrides the client built from the default AWS configuration.
	// When set, Region is ignored.
	Client Client
}

// Option configures a Store.
type Option func(*Options)

// WithPrefix scopes the store to keys under prefix.
func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithRegion pins the AWS region.
func WithRegion(region string) Option {
	return func(o *Options) { o.Region = region }
}

// WithClient supplies a preconfigured client, for tests or custom endpoints.
func WithClient(client Client) Option {
	return func(o *Options) { o.Client = client }
}

// Store reads run logs from an S3 bucket.
type Store struct {
	client Client
	bucket string
	prefix string
}

var _ blobstore.Store = (*Store)(nil)

// New opens a store on bucket, resolving credentials and region through the
// default AWS configuration chain.
func New(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	client := o.Client
	if client == nil {
		var cfgOpts []func(*config.LoadOptions) error
		if o.Region != "" {
			cfgOpts = append(cfgOpts, config.WithRegion(o.Region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client = s3.NewFromConfig(cfg)
	}
	return NewStore(client, bucket, o.Prefix), nil
}

// NewStore creates a store over an existing client. rootPrefix is prepended
// to all keys.
func NewStore(client Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Open verifies the object exists, records its size, and returns a handle
// that reads it with ranged requests.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}

	return &blob{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
		ctx:    ctx,
	}, nil
}

// List enumerates objects under prefix with their sizes and modification
// times, following continuation tokens as needed.
func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	var infos []blobstore.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			name = strings.TrimPrefix(name, "/")
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			infos = append(infos, blobstore.ObjectInfo{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// blob reads one object through ranged GETs. Reads issued through the plain
// io.ReaderAt interface carry the context the blob was opened with.
type blob struct {
	client Client
	bucket string
	key    string
	size   int64
	ctx    context.Context
}

var (
	_ blobstore.Blob      = (*blob)(nil)
	_ blobstore.ReadAller = (*blob)(nil)
)

func (b *blob) Close() error { return nil }

func (b *blob) Size() int64 { return b.size }

func (b *blob) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("s3: negative offset %d", off)
	}
	if off >= b.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}

	resp, err := b.client.GetObject(b.ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// ReadAll fetches the whole object through the transfer manager, which
// downloads parts concurrently and beats piecewise ranged reads for full-log
// parses.
func (b *blob) ReadAll(ctx context.Context) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(make([]byte, 0, b.size))
	dl := manager.NewDownloader(b.client)
	if _, err := dl.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
