package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/blobstore"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/locker"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/metastore"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/service/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gocloud.dev/blob/memblob"
)

const owner = "alice"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextString() (string, error) {
	return fmt.Sprintf("task-%04d", s.n.Add(1)), nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.PartSize = 100
	cfg.App.MaxPartSize = 1024
	cfg.App.MaxParts = 100
	cfg.App.MaxFileSize = 64 * 1024
	cfg.App.SessionTimeoutSeconds = 3600
	cfg.App.RetentionGraceSeconds = 86400
	cfg.App.LockTimeoutMS = 1000
	cfg.Validation.SampleRecords = 1000
	cfg.Validation.SampleBytes = 64 * 1024
	cfg.Orchestrator.Workers = 2
	cfg.Orchestrator.QueueSize = 4
	cfg.Orchestrator.BatchSize = 8
	cfg.Orchestrator.MaxAttempts = 3
	cfg.Orchestrator.BaseDelayMS = 1000
	cfg.Orchestrator.MaxDelayMS = 8000
	cfg.Orchestrator.Jitter = 0
	cfg.Orchestrator.TaskTimeoutMS = 5000
	cfg.Orchestrator.ReaperIntervalMS = 60000
	cfg.Notifier.BreakerFailureThreshold = 100
	return cfg
}

type harness struct {
	t        *testing.T
	cfg      *config.Config
	svc      *IngestionServiceImpl
	store    *metastore.MemoryStore
	blobs    port.BlobStore
	notifier *mocks.MockNotifier
	clock    *fakeClock
}

type harnessOption func(*Dependencies)

// withBlobs replaces the bucket-backed store; wrap receives the original.
func withBlobs(wrap func(port.BlobStore) port.BlobStore) harnessOption {
	return func(d *Dependencies) { d.Blobs = wrap(d.Blobs) }
}

func withMembership(m port.Membership) harnessOption {
	return func(d *Dependencies) { d.Membership = m }
}

// withStore wraps the memory store; helpers keep reading the memory store.
func withStore(wrap func(*metastore.MemoryStore) port.MetadataStore) harnessOption {
	return func(d *Dependencies) { d.Store = wrap(d.Store.(*metastore.MemoryStore)) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	h := &harness{
		t:        t,
		cfg:      testConfig(),
		store:    metastore.NewMemoryStore(),
		notifier: mocks.NewMockNotifier(ctrl),
		clock:    newFakeClock(),
	}
	bucket := blobstore.New(memblob.OpenBucket(nil), "mem")
	t.Cleanup(func() { _ = bucket.Close() })
	h.blobs = bucket

	deps := Dependencies{
		Store:    h.store,
		Blobs:    h.blobs,
		Locker:   locker.NewLocalLocker(),
		Notifier: h.notifier,
		IDGen:    &seqIDs{},
		Clock:    h.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.blobs = deps.Blobs
	h.svc = NewIngestionService(h.cfg, deps)
	t.Cleanup(h.svc.orchestrator.Drain)
	return h
}

// runTasks polls the orchestrator until nothing is due at the current fake time.
func (h *harness) runTasks() {
	h.t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		n := h.svc.orchestrator.Poll(ctx)
		h.svc.orchestrator.Wait()
		if n == 0 {
			if !h.hasDueTasks() {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	h.t.Fatal("tasks did not settle")
}

func (h *harness) hasDueTasks() bool {
	tasks, err := h.store.ListTasks(context.Background(), domain.TaskFilter{Status: domain.TaskPending})
	require.NoError(h.t, err)
	now := h.clock.Now()
	for _, t := range tasks {
		if !t.NextRetryAt.After(now) {
			return true
		}
	}
	return false
}

func (h *harness) tasks(sessionID string, kind domain.TaskKind) []*domain.Task {
	h.t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), domain.TaskFilter{SessionID: sessionID, Kind: kind})
	require.NoError(h.t, err)
	return tasks
}

func (h *harness) status(sessionID string) domain.SessionStatus {
	h.t.Helper()
	s, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(h.t, err)
	return s.Status
}

func (h *harness) open(target string, data []byte, extra map[string]string) string {
	h.t.Helper()
	meta := map[string]string{domain.MetaSampleID: "S1", domain.MetaProjectID: "P1"}
	for k, v := range extra {
		meta[k] = v
	}
	res, err := h.svc.OpenSession(context.Background(), owner, domain.OpenSessionRequest{
		DeclaredSize: int64(len(data)),
		TargetKey:    target,
		Metadata:     meta,
	})
	require.NoError(h.t, err)
	return res.SessionID
}

func (h *harness) upload(sessionID string, index int, data []byte) (*domain.UploadPartResult, error) {
	return h.svc.UploadPart(context.Background(), owner, domain.UploadPartRequest{
		SessionID: sessionID,
		Index:     index,
		Data:      data,
		Digest:    sha(data),
	})
}

func (h *harness) mustUpload(sessionID string, index int, data []byte) {
	h.t.Helper()
	_, err := h.upload(sessionID, index, data)
	require.NoError(h.t, err)
}

// uploadAll splits data into parts of the session's part size and sends them in order.
func (h *harness) uploadAll(sessionID string, data []byte) int {
	h.t.Helper()
	parts := split(data, int(h.cfg.App.PartSize))
	for i, p := range parts {
		h.mustUpload(sessionID, i+1, p)
	}
	return len(parts)
}

func split(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// fastq builds n well-formed records of 28 bytes each.
func fastq(n int) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "@r%d\nACGTACGTAC\n+\nIIIIIIIIII\n", i%10)
	}
	return []byte(b.String())
}

// flakyBlobs fails reads of one key with an infrastructure error.
type flakyBlobs struct {
	port.BlobStore
	failGet string
	gets    atomic.Int64
}

func (f *flakyBlobs) Get(ctx context.Context, key string, rng port.ByteRange) (io.ReadCloser, error) {
	if key == f.failGet {
		f.gets.Add(1)
		return nil, errors.New("connection reset by peer")
	}
	return f.BlobStore.Get(ctx, key, rng)
}
