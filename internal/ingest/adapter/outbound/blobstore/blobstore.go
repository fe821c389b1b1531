package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	// Drivers
	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// URLs
)

// BucketStore implements port.BlobStore on a Go CDK bucket.
type BucketStore struct {
	bucket *blob.Bucket
	name   string
}

var _ port.BlobStore = (*BucketStore)(nil)

// Open opens the bucket named by cfg.BlobURL. s3:// URLs are opened with an
// AWS SDK client so region and endpoint come from the configuration.
func Open(ctx context.Context, cfg config.StorageConfig) (*BucketStore, error) {
	u, err := url.Parse(cfg.BlobURL)
	if err != nil {
		return nil, fmt.Errorf("parse blob url: %w", err)
	}

	var bucket *blob.Bucket
	if u.Scheme == "s3" {
		client, cerr := newS3Client(ctx, cfg)
		if cerr != nil {
			return nil, cerr
		}
		bucket, err = s3blob.OpenBucket(ctx, client, u.Host, nil)
	} else {
		bucket, err = blob.OpenBucket(ctx, cfg.BlobURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}
	return New(bucket, u.Scheme), nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket, name string) *BucketStore {
	return &BucketStore{bucket: bucket, name: name}
}

func newS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.S3Region != "" {
		awsCfg.Region = cfg.S3Region
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Put streams r into key. The write is aborted on any error so no partial
// object becomes visible.
func (s *BucketStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return 0, s.wrap(err, key)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		cancel()
		_ = w.Close()
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return 0, s.wrap(err, key)
	}
	return n, nil
}

func (s *BucketStore) Get(ctx context.Context, key string, rng port.ByteRange) (io.ReadCloser, error) {
	length := rng.Length
	if length == 0 {
		length = -1
	}
	r, err := s.bucket.NewRangeReader(ctx, key, rng.Offset, length, nil)
	if err != nil {
		return nil, s.wrap(err, key)
	}
	return r, nil
}

func (s *BucketStore) Stat(ctx context.Context, key string) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return 0, s.wrap(err, key)
	}
	return attrs.Size, nil
}

func (s *BucketStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return s.wrap(err, key)
	}
	return nil
}

func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, s.wrap(err, prefix)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

func (s *BucketStore) wrap(err error, key string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %s:%s", port.ErrBlobNotFound, s.name, key)
	}
	return fmt.Errorf("%s:%s: %w", s.name, key, err)
}
