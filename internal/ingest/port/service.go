package port

import (
	"context"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
)

//go:generate mockgen -destination=../service/mocks/ingestion_service_mock.go -package=mocks -source=service.go

// IngestionService is the entry surface consumed by the gateway. Every call
// carries the already-verified principal id.
type IngestionService interface {
	// OpenSession registers a new upload and returns its id and part size hint.
	OpenSession(ctx context.Context, principal string, req domain.OpenSessionRequest) (*domain.OpenSessionResult, error)

	// UploadPart verifies and stores one part.
	UploadPart(ctx context.Context, principal string, req domain.UploadPartRequest) (*domain.UploadPartResult, error)

	// FinalizeSession assembles the parts and schedules validation.
	FinalizeSession(ctx context.Context, principal string, sessionID string) (*domain.FinalizeResult, error)

	// GetStatus reads the durable session state.
	GetStatus(ctx context.Context, principal string, sessionID string) (*domain.SessionView, error)

	// AbortSession cancels a session or schedules post-terminal cleanup.
	AbortSession(ctx context.Context, principal string, sessionID string) (*domain.AbortResult, error)

	// Revalidate schedules an explicit re-validation of an assembled object.
	Revalidate(ctx context.Context, principal string, sessionID string, mode domain.ValidationMode) (string, error)

	// ListTasks lists orchestrator tasks for operators.
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)

	// RetryTask requeues a dead or failed task with a fresh attempt budget.
	RetryTask(ctx context.Context, taskID string) (*domain.Task, error)

	// CheckHealth probes the stores.
	CheckHealth(ctx context.Context) *domain.HealthReport
}
