package grpc_handler

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/service/mocks"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testEnv struct {
	server *Server
	svc    *mocks.MockIngestionService
	lis    *bufconn.Listener
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockIngestionService(ctrl)

	env := &testEnv{
		server: NewServer(config.DefaultConfig(), svc),
		svc:    svc,
		lis:    bufconn.Listen(1 << 20),
	}
	go func() { _ = env.server.Serve(env.lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.server.Stop(ctx)
	})
	return env
}

func (e *testEnv) client(t *testing.T, principal string) *Client {
	t.Helper()
	c, err := NewClient("passthrough:///bufnet", principal,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return e.lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "alice")
	ctx := context.Background()
	data := []byte{0x00, 0x1f, 0x8b, 0xff, '\n'}

	env.svc.EXPECT().OpenSession(gomock.Any(), "alice", domain.OpenSessionRequest{
		DeclaredSize: 5,
		TargetKey:    "runs/r1.fastq.gz",
		Metadata:     map[string]string{"sample_id": "S1", "project_id": "P1"},
	}).Return(&domain.OpenSessionResult{SessionID: "s1", PartSizeHint: 5}, nil)
	env.svc.EXPECT().UploadPart(gomock.Any(), "alice", domain.UploadPartRequest{
		SessionID: "s1", Index: 1, Data: data, Digest: "sha256:abc",
	}).Return(&domain.UploadPartResult{Accepted: true}, nil)
	env.svc.EXPECT().FinalizeSession(gomock.Any(), "alice", "s1").
		Return(&domain.FinalizeResult{SessionID: "s1", Status: domain.StatusUploaded, Validation: "pending", Parts: 1}, nil)
	env.svc.EXPECT().GetStatus(gomock.Any(), "alice", "s1").
		Return(&domain.SessionView{SessionID: "s1", Status: domain.StatusCompleted, Validation: "passed", Progress: 100}, nil)
	env.svc.EXPECT().AbortSession(gomock.Any(), "alice", "s1").
		Return(&domain.AbortResult{SessionID: "s1", Status: domain.StatusCompleted, CleanupTaskID: "t3"}, nil)

	opened, err := c.OpenSession(ctx, domain.OpenSessionRequest{
		DeclaredSize: 5,
		TargetKey:    "runs/r1.fastq.gz",
		Metadata:     map[string]string{"sample_id": "S1", "project_id": "P1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", opened.SessionID)

	uploaded, err := c.UploadPart(ctx, domain.UploadPartRequest{SessionID: "s1", Index: 1, Data: data, Digest: "sha256:abc"})
	require.NoError(t, err)
	assert.True(t, uploaded.Accepted)

	fin, err := c.FinalizeSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, fin.Status)
	assert.Equal(t, "pending", fin.Validation)

	view, err := c.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "passed", view.Validation)
	assert.Equal(t, 100.0, view.Progress)

	aborted, err := c.AbortSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t3", aborted.CleanupTaskID)
}

func TestServer_RequiresPrincipal(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "")

	_, err := c.GetStatus(context.Background(), "s1")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestServer_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "Quota", err: domain.ErrQuotaExceeded, want: codes.ResourceExhausted},
		{name: "Metadata", err: fmt.Errorf("%w: missing sample_id", domain.ErrInvalidMetadata), want: codes.InvalidArgument},
		{name: "Format", err: domain.ErrUnsupportedFormat, want: codes.InvalidArgument},
		{name: "Digest", err: domain.ErrDigestMismatch, want: codes.DataLoss},
		{name: "NotFound", err: domain.ErrSessionNotFound, want: codes.NotFound},
		{name: "Expired", err: domain.ErrSessionExpired, want: codes.FailedPrecondition},
		{name: "Duplicate", err: domain.ErrDuplicatePart, want: codes.AlreadyExists},
		{name: "Incomplete", err: domain.ErrIncompleteUpload, want: codes.FailedPrecondition},
		{name: "Closed", err: domain.ErrSessionClosed, want: codes.FailedPrecondition},
		{name: "CircuitOpen", err: &resilience.CircuitOpenError{RetryAfter: time.Second}, want: codes.Unavailable},
		{name: "Internal", err: fmt.Errorf("disk on fire"), want: codes.Internal},
	}

	env := newTestEnv(t)
	c := env.client(t, "alice")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.svc.EXPECT().FinalizeSession(gomock.Any(), "alice", "s1").Return(nil, tt.err)

			_, err := c.FinalizeSession(context.Background(), "s1")
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
			if tt.want == codes.Internal {
				assert.Equal(t, "internal error", st.Message())
			}
		})
	}
}

func TestServer_HealthFollowsService(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "")
	ctx := context.Background()

	serving, err := c.Serving(ctx)
	require.NoError(t, err)
	assert.False(t, serving, "starts pessimistic")

	env.svc.EXPECT().CheckHealth(gomock.Any()).Return(&domain.HealthReport{Status: "degraded"})
	env.server.refreshHealth(ctx)
	serving, err = c.Serving(ctx)
	require.NoError(t, err)
	assert.True(t, serving)

	env.svc.EXPECT().CheckHealth(gomock.Any()).Return(&domain.HealthReport{Status: "unhealthy"})
	env.server.refreshHealth(ctx)
	serving, err = c.Serving(ctx)
	require.NoError(t, err)
	assert.False(t, serving)
}

func TestServer_RecoversPanics(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "alice")

	env.svc.EXPECT().GetStatus(gomock.Any(), "alice", "s1").DoAndReturn(
		func(context.Context, string, string) (*domain.SessionView, error) {
			panic("boom")
		})

	_, err := c.GetStatus(context.Background(), "s1")
	assert.Equal(t, codes.Internal, status.Code(err))
}
