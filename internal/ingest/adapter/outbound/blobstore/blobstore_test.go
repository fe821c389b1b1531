package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *BucketStore {
	t.Helper()
	store, err := Open(context.Background(), config.StorageConfig{BlobURL: "mem://"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBucketStore_PutGetRange(t *testing.T) {
	ctx := context.Background()
	store := openMem(t)

	n, err := store.Put(ctx, "a/b.txt", strings.NewReader("hello world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	tests := []struct {
		name string
		rng  port.ByteRange
		want string
	}{
		{name: "Full", rng: port.FullRange, want: "hello world"},
		{name: "Prefix", rng: port.ByteRange{Offset: 0, Length: 5}, want: "hello"},
		{name: "Suffix", rng: port.ByteRange{Offset: 6, Length: -1}, want: "world"},
		{name: "ZeroLengthReadsToEnd", rng: port.ByteRange{Offset: 6}, want: "world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := store.Get(ctx, "a/b.txt", tt.rng)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	size, err := store.Stat(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
}

func TestBucketStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := openMem(t)

	_, err := store.Get(ctx, "missing", port.FullRange)
	assert.ErrorIs(t, err, port.ErrBlobNotFound)

	_, err = store.Stat(ctx, "missing")
	assert.ErrorIs(t, err, port.ErrBlobNotFound)

	assert.NoError(t, store.Delete(ctx, "missing"))
}

type failingReader struct{ after int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, errors.New("source failed")
	}
	n := min(len(p), r.after)
	r.after -= n
	return n, nil
}

func TestBucketStore_FailedPutLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := openMem(t)

	_, err := store.Put(ctx, "broken", &failingReader{after: 4}, "")
	require.Error(t, err)

	_, err = store.Stat(ctx, "broken")
	assert.ErrorIs(t, err, port.ErrBlobNotFound)
}

func TestBucketStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := openMem(t)

	for _, key := range []string{"_parts/s1/000001-aa", "_parts/s1/000002-bb", "_parts/s2/000001-cc", "out.fastq"} {
		_, err := store.Put(ctx, key, bytes.NewReader([]byte(key)), "")
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "_parts/s1/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"_parts/s1/000001-aa", "_parts/s1/000002-bb"}, keys)

	for _, key := range keys {
		require.NoError(t, store.Delete(ctx, key))
	}
	keys, err = store.List(ctx, "_parts/s1/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = store.List(ctx, "_parts/")
	require.NoError(t, err)
	assert.Equal(t, []string{"_parts/s2/000001-cc"}, keys)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{BlobURL: "nope://x"})
	assert.Error(t, err)
}
