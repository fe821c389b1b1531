package port

import (
	"context"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
)

//go:generate mockgen -destination=../service/mocks/collaborators_mock.go -package=mocks -source=collaborators.go

// Notifier triggers downstream processing. Implementations must be
// idempotent on summary.SessionID since delivery is at-least-once.
type Notifier interface {
	Notify(ctx context.Context, summary domain.ValidationSummary) error
	Close() error
}

// SessionLocker provides the per-session advisory lock. Part receives take
// the shared side; finalize and abort take the exclusive side.
type SessionLocker interface {
	RLock(ctx context.Context, sessionID string) (unlock func(), err error)
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// Membership decides which node handles background work for a key.
type Membership interface {
	Owns(key string) bool
}
