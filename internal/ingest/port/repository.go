package port

import (
	"context"
	"errors"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrPartExists      = errors.New("part already exists")
	ErrTaskExists      = errors.New("task already exists")
	ErrSessionExists   = errors.New("session already exists")
)

// SessionRepository persists upload sessions. Missing sessions fail with
// domain.ErrSessionNotFound. UpdateSession is a compare-and-set on Version:
// it fails with ErrVersionConflict when the stored version differs and
// increments Version on success.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *domain.UploadSession) error
	GetSession(ctx context.Context, id string) (*domain.UploadSession, error)
	UpdateSession(ctx context.Context, s *domain.UploadSession) error
	DeleteSession(ctx context.Context, id string) error

	// ListExpiredSessions returns initiated/receiving sessions whose deadline is before now.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error)

	// ListRetainedSessions returns sessions in one of statuses last updated before cutoff.
	ListRetainedSessions(ctx context.Context, statuses []domain.SessionStatus, cutoff time.Time, limit int) ([]*domain.UploadSession, error)
}

// PartRepository persists the part registry of each session.
type PartRepository interface {
	// InsertPart fails with ErrPartExists if the index is taken.
	InsertPart(ctx context.Context, p domain.PartRecord) error
	// GetPart returns nil without error when the index is free.
	GetPart(ctx context.Context, sessionID string, index int) (*domain.PartRecord, error)
	// ListParts returns parts ordered by index.
	ListParts(ctx context.Context, sessionID string) ([]domain.PartRecord, error)
	// DeletePart removes one index; a free index is not an error.
	DeletePart(ctx context.Context, sessionID string, index int) error
	DeleteParts(ctx context.Context, sessionID string) error
}

// ValidationRepository appends immutable validation results.
type ValidationRepository interface {
	AppendValidationResult(ctx context.Context, r *domain.ValidationResult) error
	// LatestValidationResult returns nil without error when none exist.
	LatestValidationResult(ctx context.Context, sessionID string) (*domain.ValidationResult, error)
	ListValidationResults(ctx context.Context, sessionID string) ([]*domain.ValidationResult, error)
	DeleteValidationResults(ctx context.Context, sessionID string) error
}

// TaskRepository is the durable task queue. Missing tasks fail with
// domain.ErrTaskNotFound.
type TaskRepository interface {
	// CreateTask fails with ErrTaskExists if DedupeKey is already used.
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	FindTaskByDedupeKey(ctx context.Context, key string) (*domain.Task, error)
	// UpdateTask is a compare-and-set on Version.
	UpdateTask(ctx context.Context, t *domain.Task) error
	// ClaimDueTasks atomically moves up to limit pending tasks due at now to
	// running, increments their attempts and sets their lease.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]*domain.Task, error)
	// ListStaleTasks returns running tasks whose lease ended before now.
	ListStaleTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)
}

// MetadataStore is the single source of truth for session, part, result and task state.
type MetadataStore interface {
	SessionRepository
	PartRepository
	ValidationRepository
	TaskRepository

	Ping(ctx context.Context) error
	Close() error
}
