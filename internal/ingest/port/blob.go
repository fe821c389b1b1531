package port

import (
	"context"
	"errors"
	"io"
)

//go:generate mockgen -destination=../service/mocks/blob_store_mock.go -package=mocks -source=blob.go

var ErrBlobNotFound = errors.New("blob not found")

// ByteRange selects a window of an object. Length < 0 reads to the end.
type ByteRange struct {
	Offset int64
	Length int64
}

// FullRange reads the whole object.
var FullRange = ByteRange{Offset: 0, Length: -1}

// BlobStore is the durable object store holding parts and assembled objects.
type BlobStore interface {
	// Put writes r under key and returns the bytes written. A failed Put leaves no object behind.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)

	// Get opens a range reader; missing keys fail with ErrBlobNotFound.
	Get(ctx context.Context, key string, rng ByteRange) (io.ReadCloser, error)

	// Stat returns the object size.
	Stat(ctx context.Context, key string) (int64, error)

	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
