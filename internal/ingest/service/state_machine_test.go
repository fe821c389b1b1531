package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/metastore"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedSession stores a session directly in the given status.
func (h *harness) seedSession(id string, status domain.SessionStatus, expiresIn time.Duration) {
	h.t.Helper()
	now := h.clock.Now()
	require.NoError(h.t, h.store.CreateSession(context.Background(), &domain.UploadSession{
		ID:           id,
		OwnerID:      owner,
		TargetKey:    "runs/" + id + ".fastq",
		DeclaredSize: 28,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(expiresIn),
	}))
}

func TestStateMachine_Apply(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.SessionStatus
		to      domain.SessionStatus
		actor   domain.Actor
		expect  domain.SessionStatus
		expired bool
		wantErr bool
	}{
		{name: "FirstPart", from: domain.StatusInitiated, to: domain.StatusReceiving, actor: domain.ActorAssembler},
		{name: "Finalize", from: domain.StatusReceiving, to: domain.StatusUploaded, actor: domain.ActorAssembler},
		{name: "StartValidation", from: domain.StatusUploaded, to: domain.StatusValidating, actor: domain.ActorOrchestrator},
		{name: "Pass", from: domain.StatusValidating, to: domain.StatusCompleted, actor: domain.ActorOrchestrator},
		{name: "Reject", from: domain.StatusValidating, to: domain.StatusValidationFailed, actor: domain.ActorOrchestrator},
		{name: "InfraFailure", from: domain.StatusValidating, to: domain.StatusError, actor: domain.ActorOrchestrator},
		{name: "Abort", from: domain.StatusReceiving, to: domain.StatusError, actor: domain.ActorAssembler},
		{name: "ReapAfterDeadline", from: domain.StatusReceiving, to: domain.StatusExpired, actor: domain.ActorReaper, expired: true},
		{name: "ReapInitiated", from: domain.StatusInitiated, to: domain.StatusExpired, actor: domain.ActorReaper, expired: true},

		{name: "SkipReceiving", from: domain.StatusInitiated, to: domain.StatusUploaded, actor: domain.ActorAssembler, wantErr: true},
		{name: "ValidateOpenSession", from: domain.StatusReceiving, to: domain.StatusValidating, actor: domain.ActorOrchestrator, wantErr: true},
		{name: "SkipValidating", from: domain.StatusUploaded, to: domain.StatusCompleted, actor: domain.ActorOrchestrator, wantErr: true},
		{name: "WrongActor", from: domain.StatusUploaded, to: domain.StatusValidating, actor: domain.ActorAssembler, wantErr: true},
		{name: "ReapBeforeDeadline", from: domain.StatusReceiving, to: domain.StatusExpired, actor: domain.ActorReaper, wantErr: true},
		{name: "ExpireByAssembler", from: domain.StatusReceiving, to: domain.StatusExpired, actor: domain.ActorAssembler, expired: true, wantErr: true},
		{name: "ExpireUploaded", from: domain.StatusUploaded, to: domain.StatusExpired, actor: domain.ActorReaper, expired: true, wantErr: true},
		{name: "ReopenExpired", from: domain.StatusExpired, to: domain.StatusReceiving, actor: domain.ActorAssembler, wantErr: true},
		{name: "FailCompleted", from: domain.StatusCompleted, to: domain.StatusError, actor: domain.ActorOrchestrator, wantErr: true},
		{name: "UnexpectedFrom", from: domain.StatusReceiving, to: domain.StatusError, actor: domain.ActorAssembler, expect: domain.StatusUploaded, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			expiresIn := time.Hour
			if tt.expired {
				expiresIn = -time.Second
			}
			h.seedSession("s1", tt.from, expiresIn)

			s, changed, err := h.svc.machine.Apply(ctx, "s1", Transition{Expect: tt.expect, To: tt.to, Actor: tt.actor, Cause: "test"})
			if tt.wantErr {
				var te *domain.TransitionError
				require.ErrorAs(t, err, &te)
				assert.ErrorIs(t, err, domain.ErrIllegalTransition)
				assert.Equal(t, tt.from, te.From)
				assert.Equal(t, tt.to, te.To)
				assert.False(t, changed)

				stored, gerr := h.store.GetSession(ctx, "s1")
				require.NoError(t, gerr)
				assert.Equal(t, tt.from, stored.Status)
				assert.Equal(t, int64(1), stored.Version)
				return
			}
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, tt.to, s.Status)
			assert.Equal(t, tt.to, h.status("s1"))
		})
	}
}

func TestStateMachine_ReapplyIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession("s1", domain.StatusCompleted, time.Hour)

	s, changed, err := h.svc.machine.Apply(ctx, "s1", Transition{To: domain.StatusCompleted, Actor: domain.ActorOrchestrator})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), s.Version)
	assert.Empty(t, h.tasks("s1", domain.TaskNotify))
}

func TestStateMachine_SchedulesFollowUps(t *testing.T) {
	tests := []struct {
		name  string
		from  domain.SessionStatus
		to    domain.SessionStatus
		actor domain.Actor
		want  []domain.TaskKind
	}{
		{name: "Uploaded", from: domain.StatusReceiving, to: domain.StatusUploaded, actor: domain.ActorAssembler, want: []domain.TaskKind{domain.TaskValidate, domain.TaskCleanup}},
		{name: "Completed", from: domain.StatusValidating, to: domain.StatusCompleted, actor: domain.ActorOrchestrator, want: []domain.TaskKind{domain.TaskNotify}},
		{name: "Rejected", from: domain.StatusValidating, to: domain.StatusValidationFailed, actor: domain.ActorOrchestrator},
		{name: "Error", from: domain.StatusReceiving, to: domain.StatusError, actor: domain.ActorAssembler, want: []domain.TaskKind{domain.TaskCleanup}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedSession("s1", tt.from, time.Hour)

			_, _, err := h.svc.machine.Apply(context.Background(), "s1", Transition{To: tt.to, Actor: tt.actor})
			require.NoError(t, err)

			var kinds []domain.TaskKind
			for _, task := range h.tasks("s1", "") {
				kinds = append(kinds, task.Kind)
			}
			assert.ElementsMatch(t, tt.want, kinds)
		})
	}
}

// racingStore bumps the session under the caller before the first n updates.
type racingStore struct {
	*metastore.MemoryStore
	races atomic.Int32
}

func (s *racingStore) UpdateSession(ctx context.Context, sess *domain.UploadSession) error {
	if s.races.Add(-1) >= 0 {
		cur, err := s.MemoryStore.GetSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		cur.Metadata = map[string]string{"touched": "yes"}
		if err := s.MemoryStore.UpdateSession(ctx, cur); err != nil {
			return err
		}
	}
	return s.MemoryStore.UpdateSession(ctx, sess)
}

func TestStateMachine_RetriesVersionConflicts(t *testing.T) {
	var racing *racingStore
	h := newHarness(t, withStore(func(m *metastore.MemoryStore) port.MetadataStore {
		racing = &racingStore{MemoryStore: m}
		return racing
	}))
	ctx := context.Background()
	h.seedSession("s1", domain.StatusInitiated, time.Hour)
	h.seedSession("s2", domain.StatusInitiated, time.Hour)

	racing.races.Store(2)
	s, changed, err := h.svc.machine.Apply(ctx, "s1", Transition{To: domain.StatusReceiving, Actor: domain.ActorAssembler})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusReceiving, s.Status)
	// Concurrent edits survive because each retry starts from a fresh read.
	assert.Equal(t, "yes", s.Metadata["touched"])

	racing.races.Store(maxCASAttempts)
	_, _, err = h.svc.machine.Apply(ctx, "s2", Transition{To: domain.StatusReceiving, Actor: domain.ActorAssembler})
	require.ErrorIs(t, err, port.ErrVersionConflict)
	assert.Equal(t, domain.StatusInitiated, h.status("s2"))
}

// brokenTasks commits sessions but cannot create tasks.
type brokenTasks struct {
	*metastore.MemoryStore
}

func (s *brokenTasks) CreateTask(context.Context, *domain.Task) error {
	return errors.New("task table unavailable")
}

func TestStateMachine_FollowUpFailureKeepsTransition(t *testing.T) {
	h := newHarness(t, withStore(func(m *metastore.MemoryStore) port.MetadataStore {
		return &brokenTasks{MemoryStore: m}
	}))
	h.seedSession("s1", domain.StatusReceiving, time.Hour)

	s, changed, err := h.svc.machine.Apply(context.Background(), "s1", Transition{To: domain.StatusUploaded, Actor: domain.ActorAssembler})
	require.ErrorIs(t, err, errFollowUp)
	assert.True(t, changed)
	require.NotNil(t, s)
	assert.Equal(t, domain.StatusUploaded, s.Status)
	assert.Equal(t, domain.StatusUploaded, h.status("s1"))
}

func TestStateMachine_FailLeavesTerminalSessions(t *testing.T) {
	h := newHarness(t)
	h.seedSession("s1", domain.StatusCompleted, time.Hour)
	h.seedSession("s2", domain.StatusValidating, time.Hour)

	h.svc.machine.Fail(context.Background(), "s1", domain.ActorOrchestrator, "late failure")
	h.svc.machine.Fail(context.Background(), "s2", domain.ActorOrchestrator, "disk gone")

	assert.Equal(t, domain.StatusCompleted, h.status("s1"))
	s, err := h.store.GetSession(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Equal(t, "disk gone", s.ErrorCause)
}
