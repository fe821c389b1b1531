package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/service/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestIngestion_OutOfOrderUploadCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(9)

	res, err := h.svc.OpenSession(ctx, owner, domain.OpenSessionRequest{
		DeclaredSize: int64(len(data)),
		TargetKey:    "runs/r1.fastq",
		Metadata:     map[string]string{domain.MetaSampleID: "S1", domain.MetaProjectID: "P1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.PartSizeHint)
	id := res.SessionID
	assert.Equal(t, domain.StatusInitiated, h.status(id))

	parts := split(data, 100)
	require.Len(t, parts, 3)
	for _, idx := range []int{2, 1, 3} {
		h.mustUpload(id, idx, parts[idx-1])
	}
	assert.Equal(t, domain.StatusReceiving, h.status(id))

	fin, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, fin.Status)
	assert.Equal(t, "pending", fin.Validation)
	assert.Equal(t, sha(data), fin.Checksum)
	assert.Equal(t, 3, fin.Parts)
	assert.NotEmpty(t, fin.PartsRoot)

	var delivered domain.ValidationSummary
	h.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, s domain.ValidationSummary) error {
			delivered = s
			return nil
		}).Times(1)

	h.runTasks()

	view, err := h.svc.GetStatus(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.Equal(t, "passed", view.Validation)
	assert.Equal(t, 100.0, view.Progress)
	require.NotNil(t, view.Result)
	assert.True(t, view.Result.IsValid)
	assert.Equal(t, domain.FormatReads, view.Result.Format)
	assert.Equal(t, 9.0, view.Result.Metrics["records"])

	assert.Equal(t, id, delivered.SessionID)
	assert.Equal(t, "S1", delivered.SampleID)
	assert.Equal(t, "runs/r1.fastq", delivered.DataPath)
	assert.Equal(t, sha(data), delivered.Checksum)
	assert.Equal(t, "standard", delivered.QCProfile)
	assert.Equal(t, view.Result.ID, delivered.ResultID)

	size, err := h.blobs.Stat(ctx, "runs/r1.fastq")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	leftovers, err := h.blobs.List(ctx, partsPrefix(id))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestIngestion_FinalizeWithGapIsIncomplete(t *testing.T) {
	h := newHarness(t)
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	parts := split(data, 100)

	h.mustUpload(id, 1, parts[0])
	h.mustUpload(id, 3, parts[2])

	_, err := h.svc.FinalizeSession(context.Background(), owner, id)
	require.ErrorIs(t, err, domain.ErrIncompleteUpload)
	assert.Contains(t, err.Error(), "[2]")
	assert.Equal(t, domain.StatusReceiving, h.status(id))
	assert.Empty(t, h.tasks(id, domain.TaskValidate))
}

func TestIngestion_CorruptFileFailsValidation(t *testing.T) {
	h := newHarness(t)
	data := append(fastq(2), []byte("@bad\nACGT\nX\nIIII\n")...)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)

	_, err := h.svc.FinalizeSession(context.Background(), owner, id)
	require.NoError(t, err)

	h.runTasks()

	view, err := h.svc.GetStatus(context.Background(), owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidationFailed, view.Status)
	assert.Equal(t, "failed", view.Validation)
	require.NotNil(t, view.Result)
	assert.False(t, view.Result.IsValid)
	require.NotEmpty(t, view.Result.Errors)
	assert.Contains(t, view.Result.Errors[0], "corrupt stream")
	assert.Empty(t, h.tasks(id, domain.TaskNotify))
}

func TestIngestion_InactiveSessionExpires(t *testing.T) {
	h := newHarness(t)
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	parts := split(data, 100)
	h.mustUpload(id, 1, parts[0])

	h.clock.Advance(h.cfg.App.SessionTimeout() + 1)

	// The deadline is enforced before the reaper gets there.
	_, err := h.upload(id, 2, parts[1])
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	expired, purges := h.svc.reaper.Sweep(context.Background())
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, purges)
	assert.Equal(t, domain.StatusExpired, h.status(id))

	_, err = h.upload(id, 2, parts[1])
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	_, err = h.svc.FinalizeSession(context.Background(), owner, id)
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	h.runTasks()
	leftovers, err := h.blobs.List(context.Background(), partsPrefix(id))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestIngestion_FinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)

	first, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)
	second, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, h.tasks(id, domain.TaskValidate), 1)

	h.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	h.runTasks()

	third, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, third.Status)
	assert.Equal(t, first.Checksum, third.Checksum)
	assert.Equal(t, first.UploadedAt, third.UploadedAt)
	assert.Equal(t, first.Parts, third.Parts)
	assert.Equal(t, "pending", third.Validation)
	assert.Len(t, h.tasks(id, domain.TaskValidate), 1)
	assert.Len(t, h.tasks(id, domain.TaskNotify), 1)
}

func TestIngestion_DuplicateParts(t *testing.T) {
	h := newHarness(t)
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	parts := split(data, 100)

	h.mustUpload(id, 1, parts[0])

	res, err := h.upload(id, 1, parts[0])
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Duplicate)

	_, err = h.upload(id, 1, parts[1])
	require.ErrorIs(t, err, domain.ErrDuplicatePart)

	stored, err := h.store.ListParts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, sha(parts[0]), stored[0].Digest)
}

func TestIngestion_DigestMismatchWritesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl) // any call fails the test
	h := newHarness(t, withBlobs(func(port.BlobStore) port.BlobStore { return blobs }))
	data := fastq(3)
	id := h.open("runs/r1.fastq", data, nil)

	tests := []struct {
		name    string
		digest  string
		wantErr error
	}{
		{name: "WrongDigest", digest: sha([]byte("something else")), wantErr: domain.ErrDigestMismatch},
		{name: "MalformedDigest", digest: "sha256:xyz", wantErr: domain.ErrInvalidPart},
		{name: "UnknownAlgorithm", digest: "sha512:00", wantErr: domain.ErrInvalidPart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.UploadPart(context.Background(), owner, domain.UploadPartRequest{
				SessionID: id, Index: 1, Data: data, Digest: tt.digest,
			})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	parts, err := h.store.ListParts(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.Equal(t, domain.StatusInitiated, h.status(id))
}

func TestIngestion_DeclaredChecksum(t *testing.T) {
	data := fastq(3)
	md5sum := md5.Sum(data)

	tests := []struct {
		name     string
		checksum string
		wantErr  error
	}{
		{name: "MatchingMD5", checksum: hex.EncodeToString(md5sum[:])},
		{name: "MatchingSHA256", checksum: sha(data)},
		{name: "Mismatch", checksum: sha([]byte("other")), wantErr: domain.ErrDigestMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.open("runs/r1.fastq", data, map[string]string{domain.MetaChecksum: tt.checksum})
			h.uploadAll(id, data)

			_, err := h.svc.FinalizeSession(context.Background(), owner, id)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, domain.StatusUploaded, h.status(id))
				return
			}
			require.ErrorIs(t, err, tt.wantErr)

			s, err := h.store.GetSession(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusError, s.Status)
			assert.Contains(t, s.ErrorCause, "declared checksum")

			_, err = h.blobs.Stat(context.Background(), "runs/r1.fastq")
			assert.ErrorIs(t, err, port.ErrBlobNotFound)
			assert.Len(t, h.tasks(id, domain.TaskCleanup), 1)
		})
	}
}

func TestIngestion_MissingPartBlobFailsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)

	part, err := h.store.GetPart(ctx, id, 2)
	require.NoError(t, err)
	require.NoError(t, h.blobs.Delete(ctx, part.BlobKey))

	_, err = h.svc.FinalizeSession(ctx, owner, id)
	require.ErrorIs(t, err, domain.ErrDigestMismatch)
	assert.Equal(t, domain.StatusError, h.status(id))
}

func TestIngestion_OtherPrincipalSeesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(1)
	id := h.open("runs/r1.fastq", data, nil)

	_, err := h.svc.GetStatus(ctx, "mallory", id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = h.svc.UploadPart(ctx, "mallory", domain.UploadPartRequest{SessionID: id, Index: 1, Data: data, Digest: sha(data)})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = h.svc.FinalizeSession(ctx, "mallory", id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = h.svc.AbortSession(ctx, "mallory", id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = h.svc.GetStatus(ctx, owner, "no-such-session")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestIngestion_OpenSessionRejects(t *testing.T) {
	valid := map[string]string{domain.MetaSampleID: "S1", domain.MetaProjectID: "P1"}

	tests := []struct {
		name      string
		principal string
		req       domain.OpenSessionRequest
		wantErr   error
	}{
		{name: "NoPrincipal", req: domain.OpenSessionRequest{DeclaredSize: 1, TargetKey: "a.fastq", Metadata: valid}, wantErr: domain.ErrInvalidMetadata},
		{name: "ZeroSize", principal: owner, req: domain.OpenSessionRequest{TargetKey: "a.fastq", Metadata: valid}, wantErr: domain.ErrInvalidMetadata},
		{name: "OverQuota", principal: owner, req: domain.OpenSessionRequest{DeclaredSize: 1 << 30, TargetKey: "a.fastq", Metadata: valid}, wantErr: domain.ErrQuotaExceeded},
		{name: "MissingSample", principal: owner, req: domain.OpenSessionRequest{DeclaredSize: 1, TargetKey: "a.fastq", Metadata: map[string]string{domain.MetaProjectID: "P1"}}, wantErr: domain.ErrInvalidMetadata},
		{name: "AbsoluteTarget", principal: owner, req: domain.OpenSessionRequest{DeclaredSize: 1, TargetKey: "/etc/passwd", Metadata: valid}, wantErr: domain.ErrInvalidMetadata},
		{name: "TraversalTarget", principal: owner, req: domain.OpenSessionRequest{DeclaredSize: 1, TargetKey: "a/../../b", Metadata: valid}, wantErr: domain.ErrInvalidMetadata},
		{name: "ReservedTarget", principal: owner, req: domain.OpenSessionRequest{DeclaredSize: 1, TargetKey: "_parts/x", Metadata: valid}, wantErr: domain.ErrInvalidMetadata},
		{name: "BadChecksum", principal: owner, req: domain.OpenSessionRequest{DeclaredSize: 1, TargetKey: "a.fastq", Metadata: map[string]string{domain.MetaSampleID: "S1", domain.MetaProjectID: "P1", domain.MetaChecksum: "nothex"}}, wantErr: domain.ErrInvalidMetadata},
	}

	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.OpenSession(context.Background(), tt.principal, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsClientError(err))
		})
	}
}

func TestIngestion_PartSizeHintGrowsForLargeFiles(t *testing.T) {
	h := newHarness(t)
	h.cfg.App.MaxFileSize = 1 << 20

	res, err := h.svc.OpenSession(context.Background(), owner, domain.OpenSessionRequest{
		DeclaredSize: 50_000,
		TargetKey:    "big.fastq",
		Metadata:     map[string]string{domain.MetaSampleID: "S1", domain.MetaProjectID: "P1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.PartSizeHint)

	// 200000 bytes would need parts above the 1024 byte limit.
	_, err = h.svc.OpenSession(context.Background(), owner, domain.OpenSessionRequest{
		DeclaredSize: 200_000,
		TargetKey:    "huge.fastq",
		Metadata:     map[string]string{domain.MetaSampleID: "S1", domain.MetaProjectID: "P1"},
	})
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestIngestion_UploadPartRejects(t *testing.T) {
	h := newHarness(t)
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)

	tests := []struct {
		name    string
		req     domain.UploadPartRequest
		wantErr error
	}{
		{name: "ZeroIndex", req: domain.UploadPartRequest{SessionID: id, Index: 0, Data: data[:10], Digest: sha(data[:10])}, wantErr: domain.ErrInvalidPart},
		{name: "IndexTooLarge", req: domain.UploadPartRequest{SessionID: id, Index: 101, Data: data[:10], Digest: sha(data[:10])}, wantErr: domain.ErrInvalidPart},
		{name: "Empty", req: domain.UploadPartRequest{SessionID: id, Index: 1, Digest: sha(nil)}, wantErr: domain.ErrInvalidPart},
		{name: "TooBig", req: domain.UploadPartRequest{SessionID: id, Index: 1, Data: make([]byte, 2048), Digest: sha(make([]byte, 2048))}, wantErr: domain.ErrInvalidPart},
		{name: "UnknownSession", req: domain.UploadPartRequest{SessionID: "nope", Index: 1, Data: data[:10], Digest: sha(data[:10])}, wantErr: domain.ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.UploadPart(context.Background(), owner, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIngestion_GetStatusProgress(t *testing.T) {
	h := newHarness(t)
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	h.mustUpload(id, 1, split(data, 100)[0])

	view, err := h.svc.GetStatus(context.Background(), owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceiving, view.Status)
	assert.Equal(t, int64(100), view.ReceivedBytes)
	assert.Equal(t, 1, view.Parts)
	assert.InDelta(t, 39.68, view.Progress, 0.001)
	assert.Empty(t, view.Validation)
	assert.Nil(t, view.Result)
}

func TestIngestion_AbortOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(9)
	id := h.open("runs/r1.fastq", data, nil)
	h.mustUpload(id, 1, split(data, 100)[0])

	res, err := h.svc.AbortSession(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, res.Status)
	assert.NotEmpty(t, res.CleanupTaskID)

	s, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "aborted by owner", s.ErrorCause)

	_, err = h.upload(id, 2, split(data, 100)[1])
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	h.runTasks()
	leftovers, err := h.blobs.List(ctx, partsPrefix(id))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestIngestion_AbortCompletedSessionPurges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(3)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)
	_, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)

	h.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	h.runTasks()
	require.Equal(t, domain.StatusCompleted, h.status(id))

	res, err := h.svc.AbortSession(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	require.NotEmpty(t, res.CleanupTaskID)

	again, err := h.svc.AbortSession(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, res.CleanupTaskID, again.CleanupTaskID)

	h.runTasks()

	_, err = h.svc.GetStatus(ctx, owner, id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = h.blobs.Stat(ctx, "runs/r1.fastq")
	assert.ErrorIs(t, err, port.ErrBlobNotFound)

	task, err := h.store.GetTask(ctx, res.CleanupTaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, task.Status)
}

func TestIngestion_ValidationInfraFailureGoesDead(t *testing.T) {
	var flaky *flakyBlobs
	h := newHarness(t, withBlobs(func(b port.BlobStore) port.BlobStore {
		flaky = &flakyBlobs{BlobStore: b, failGet: "runs/r1.fastq"}
		return flaky
	}))
	ctx := context.Background()
	data := fastq(3)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)
	_, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)

	h.runTasks()
	assert.Equal(t, domain.StatusValidating, h.status(id))
	h.clock.Advance(h.cfg.Orchestrator.BaseDelay())
	h.runTasks()
	h.clock.Advance(2 * h.cfg.Orchestrator.BaseDelay())
	h.runTasks()
	h.clock.Advance(h.cfg.Orchestrator.MaxDelay())
	h.runTasks()

	tasks := h.tasks(id, domain.TaskValidate)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskDead, tasks[0].Status)
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.Contains(t, tasks[0].LastError, "connection reset")
	assert.Equal(t, int64(3), flaky.gets.Load())

	s, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Contains(t, s.ErrorCause, tasks[0].ID)

	results, err := h.store.ListValidationResults(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The session is terminal now, so a manual retry fails permanently.
	retried, err := h.svc.RetryTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	h.runTasks()

	task, err := h.store.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, int64(3), flaky.gets.Load())
}

func TestIngestion_NotifyRetriesThenOperatorRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(3)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)
	_, err := h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)

	h.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("503 from analysis service")).Times(3)

	for i := 0; i < 4; i++ {
		h.runTasks()
		h.clock.Advance(h.cfg.Orchestrator.MaxDelay())
	}

	notify := h.tasks(id, domain.TaskNotify)
	require.Len(t, notify, 1)
	assert.Equal(t, domain.TaskDead, notify[0].Status)
	assert.Equal(t, 3, notify[0].Attempts)
	// Delivery failures never undo a completed validation.
	assert.Equal(t, domain.StatusCompleted, h.status(id))

	dead, err := h.svc.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskDead})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, notify[0].ID, dead[0].ID)

	h.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	_, err = h.svc.RetryTask(ctx, notify[0].ID)
	require.NoError(t, err)
	h.runTasks()

	task, err := h.store.GetTask(ctx, notify[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, task.Status)
	assert.Empty(t, task.LastError)

	_, err = h.svc.RetryTask(ctx, notify[0].ID)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestIngestion_Revalidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := fastq(3)
	id := h.open("runs/r1.fastq", data, nil)
	h.uploadAll(id, data)

	_, err := h.svc.Revalidate(ctx, owner, id, "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, err = h.svc.FinalizeSession(ctx, owner, id)
	require.NoError(t, err)
	h.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	h.runTasks()

	first, err := h.svc.Revalidate(ctx, owner, id, "")
	require.NoError(t, err)
	same, err := h.svc.Revalidate(ctx, owner, id, domain.ModeExhaustive)
	require.NoError(t, err)
	assert.Equal(t, first, same)

	sampled, err := h.svc.Revalidate(ctx, owner, id, domain.ModeSampled)
	require.NoError(t, err)
	assert.NotEqual(t, first, sampled)

	_, err = h.svc.Revalidate(ctx, owner, id, "thorough")
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
	_, err = h.svc.Revalidate(ctx, "mallory", id, "")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	h.runTasks()

	assert.Equal(t, domain.StatusCompleted, h.status(id))
	results, err := h.store.ListValidationResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 3)
	modes := []domain.ValidationMode{results[1].Mode, results[2].Mode}
	assert.ElementsMatch(t, []domain.ValidationMode{domain.ModeExhaustive, domain.ModeSampled}, modes)
	for _, r := range results {
		assert.True(t, r.IsValid)
	}
	assert.Len(t, h.tasks(id, domain.TaskNotify), 1)
}

func TestIngestion_CheckHealth(t *testing.T) {
	h := newHarness(t)
	report := h.svc.CheckHealth(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "healthy", report.Services["metadata_store"])
	assert.Equal(t, "healthy", report.Services["blob_store"])
	assert.Equal(t, "healthy", report.Services["downstream"])
	assert.Equal(t, h.cfg.App.Version, report.Version)
}
