package metastore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every backend under test. PostgreSQL runs only when
// INGEST_TEST_POSTGRES_DSN points at a disposable database.
func stores(t *testing.T) map[string]port.MetadataStore {
	t.Helper()
	out := map[string]port.MetadataStore{"Memory": NewMemoryStore()}
	if dsn := os.Getenv("INGEST_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(context.Background(), dsn, 4, 5*time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Close() })
		out["Postgres"] = pg
	}
	return out
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(status domain.SessionStatus, expires time.Time) *domain.UploadSession {
	return &domain.UploadSession{
		ID:           uuid.NewString(),
		OwnerID:      "alice",
		TargetKey:    "runs/r1.fastq",
		DeclaredSize: 10,
		SampleID:     "S1",
		ProjectID:    "P1",
		Metadata:     map[string]string{"sample_id": "S1"},
		Status:       status,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
		ExpiresAt:    expires,
	}
}

func newTask(sessionID, dedupe string, due time.Time) *domain.Task {
	return &domain.Task{
		ID:          uuid.NewString(),
		Kind:        domain.TaskValidate,
		SessionID:   sessionID,
		DedupeKey:   dedupe,
		Params:      map[string]string{domain.ParamMode: "sampled"},
		Status:      domain.TaskPending,
		MaxAttempts: 3,
		NextRetryAt: due,
		CreatedAt:   due,
		UpdatedAt:   due,
	}
}

func TestStore_SessionCompareAndSet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newSession(domain.StatusInitiated, epoch.Add(time.Hour))
			require.NoError(t, store.CreateSession(ctx, s))
			assert.Equal(t, int64(1), s.Version)
			assert.ErrorIs(t, store.CreateSession(ctx, s), port.ErrSessionExists)

			a, err := store.GetSession(ctx, s.ID)
			require.NoError(t, err)
			b, err := store.GetSession(ctx, s.ID)
			require.NoError(t, err)

			a.Status = domain.StatusReceiving
			require.NoError(t, store.UpdateSession(ctx, a))
			assert.Equal(t, int64(2), a.Version)

			b.Status = domain.StatusError
			assert.ErrorIs(t, store.UpdateSession(ctx, b), port.ErrVersionConflict)

			got, err := store.GetSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusReceiving, got.Status)
			assert.Equal(t, "S1", got.Metadata["sample_id"])

			require.NoError(t, store.DeleteSession(ctx, s.ID))
			_, err = store.GetSession(ctx, s.ID)
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		})
	}
}

func TestStore_ListExpiredAndRetained(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := newSession(domain.StatusReceiving, epoch.Add(-time.Minute))
			fresh := newSession(domain.StatusReceiving, epoch.Add(time.Hour))
			done := newSession(domain.StatusCompleted, epoch.Add(-time.Minute))
			failed := newSession(domain.StatusError, epoch.Add(-time.Minute))
			failed.UpdatedAt = epoch.Add(-48 * time.Hour)
			for _, s := range []*domain.UploadSession{stale, fresh, done, failed} {
				require.NoError(t, store.CreateSession(ctx, s))
			}

			expired, err := store.ListExpiredSessions(ctx, epoch, 0)
			require.NoError(t, err)
			assert.Contains(t, ids(expired), stale.ID)
			assert.NotContains(t, ids(expired), fresh.ID)
			assert.NotContains(t, ids(expired), done.ID)

			retained, err := store.ListRetainedSessions(ctx,
				[]domain.SessionStatus{domain.StatusError, domain.StatusExpired}, epoch.Add(-24*time.Hour), 10)
			require.NoError(t, err)
			assert.Contains(t, ids(retained), failed.ID)
			assert.NotContains(t, ids(retained), done.ID)
		})
	}
}

func ids(sessions []*domain.UploadSession) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestStore_Parts(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sid := uuid.NewString()

			p, err := store.GetPart(ctx, sid, 1)
			require.NoError(t, err)
			assert.Nil(t, p)

			for _, idx := range []int{3, 1, 2} {
				require.NoError(t, store.InsertPart(ctx, domain.PartRecord{
					SessionID: sid, Index: idx, Size: int64(idx), Digest: fmt.Sprintf("sha256:%d", idx),
					BlobKey: fmt.Sprintf("k%d", idx), ReceivedAt: epoch,
				}))
			}
			err = store.InsertPart(ctx, domain.PartRecord{SessionID: sid, Index: 2, Digest: "other", ReceivedAt: epoch})
			assert.ErrorIs(t, err, port.ErrPartExists)

			parts, err := store.ListParts(ctx, sid)
			require.NoError(t, err)
			require.Len(t, parts, 3)
			for i, p := range parts {
				assert.Equal(t, i+1, p.Index)
			}
			assert.Equal(t, "sha256:2", parts[1].Digest)

			require.NoError(t, store.DeletePart(ctx, sid, 2))
			require.NoError(t, store.DeletePart(ctx, sid, 7))
			p, err = store.GetPart(ctx, sid, 2)
			require.NoError(t, err)
			assert.Nil(t, p)
			parts, err = store.ListParts(ctx, sid)
			require.NoError(t, err)
			assert.Len(t, parts, 2)

			require.NoError(t, store.DeleteParts(ctx, sid))
			parts, err = store.ListParts(ctx, sid)
			require.NoError(t, err)
			assert.Empty(t, parts)
		})
	}
}

func TestStore_ValidationResultsAppendOnly(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sid := uuid.NewString()

			latest, err := store.LatestValidationResult(ctx, sid)
			require.NoError(t, err)
			assert.Nil(t, latest)

			first := &domain.ValidationResult{ID: uuid.NewString(), SessionID: sid, Mode: domain.ModeSampled,
				Format: domain.FormatReads, IsValid: false, Errors: []string{"corrupt stream: line 4"}, CreatedAt: epoch}
			second := &domain.ValidationResult{ID: uuid.NewString(), SessionID: sid, Mode: domain.ModeExhaustive,
				Format: domain.FormatReads, IsValid: true, Metrics: map[string]float64{"records": 2}, CreatedAt: epoch}
			require.NoError(t, store.AppendValidationResult(ctx, first))
			require.NoError(t, store.AppendValidationResult(ctx, second))

			latest, err = store.LatestValidationResult(ctx, sid)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, second.ID, latest.ID)
			assert.Equal(t, 2.0, latest.Metrics["records"])

			all, err := store.ListValidationResults(ctx, sid)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, []string{"corrupt stream: line 4"}, all[0].Errors)

			require.NoError(t, store.DeleteValidationResults(ctx, sid))
			all, err = store.ListValidationResults(ctx, sid)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStore_TaskDedupeAndClaim(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sid := uuid.NewString()
			key := "validate:" + sid

			due := newTask(sid, key, epoch.Add(-time.Second))
			require.NoError(t, store.CreateTask(ctx, due))
			assert.ErrorIs(t, store.CreateTask(ctx, newTask(sid, key, epoch)), port.ErrTaskExists)

			found, err := store.FindTaskByDedupeKey(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, due.ID, found.ID)

			// Tasks without a dedupe key never collide.
			require.NoError(t, store.CreateTask(ctx, newTask(sid, "", epoch.Add(time.Hour))))
			require.NoError(t, store.CreateTask(ctx, newTask(sid, "", epoch.Add(time.Hour))))

			claimed, err := store.ClaimDueTasks(ctx, epoch, 10, epoch.Add(time.Minute))
			require.NoError(t, err)
			var mine []*domain.Task
			for _, c := range claimed {
				if c.SessionID == sid {
					mine = append(mine, c)
				}
			}
			require.Len(t, mine, 1)
			assert.Equal(t, due.ID, mine[0].ID)
			assert.Equal(t, domain.TaskRunning, mine[0].Status)
			assert.Equal(t, 1, mine[0].Attempts)

			again, err := store.ClaimDueTasks(ctx, epoch, 10, epoch.Add(time.Minute))
			require.NoError(t, err)
			for _, c := range again {
				assert.NotEqual(t, due.ID, c.ID)
			}

			// The pre-claim copy is stale now.
			due.Status = domain.TaskSucceeded
			assert.ErrorIs(t, store.UpdateTask(ctx, due), port.ErrVersionConflict)

			stale, err := store.ListStaleTasks(ctx, epoch.Add(2*time.Minute), 0)
			require.NoError(t, err)
			var staleIDs []string
			for _, s := range stale {
				staleIDs = append(staleIDs, s.ID)
			}
			assert.Contains(t, staleIDs, due.ID)

			mine[0].Status = domain.TaskSucceeded
			mine[0].LeaseUntil = time.Time{}
			require.NoError(t, store.UpdateTask(ctx, mine[0]))

			listed, err := store.ListTasks(ctx, domain.TaskFilter{SessionID: sid, Status: domain.TaskPending})
			require.NoError(t, err)
			assert.Len(t, listed, 2)

			_, err = store.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrTaskNotFound)
		})
	}
}

func TestMemoryStore_HonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.GetSession(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Ping(ctx), context.Canceled)
}
