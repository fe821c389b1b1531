package service

import (
	"context"
	"fmt"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/gosdk/logger"
)

const defaultTaskListLimit = 100

// Revalidate schedules a re-validation of an assembled object. It records a
// new result and never changes the session status. A re-validation already
// waiting for the session is returned instead of scheduling another.
func (s *IngestionServiceImpl) Revalidate(ctx context.Context, principal string, sessionID string, mode domain.ValidationMode) (string, error) {
	if mode == "" {
		mode = domain.ModeExhaustive
	}
	if mode != domain.ModeSampled && mode != domain.ModeExhaustive {
		return "", fmt.Errorf("%w: unknown validation mode %q", domain.ErrInvalidMetadata, mode)
	}

	sess, err := s.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != domain.StatusCompleted && sess.Status != domain.StatusValidationFailed {
		return "", fmt.Errorf("%w: session %s is %s, revalidation needs a validated object",
			domain.ErrIllegalTransition, sess.ID, sess.Status)
	}

	for _, status := range []domain.TaskStatus{domain.TaskPending, domain.TaskRunning} {
		tasks, err := s.store.ListTasks(ctx, domain.TaskFilter{SessionID: sess.ID, Kind: domain.TaskValidate, Status: status})
		if err != nil {
			return "", fmt.Errorf("list tasks: %w", err)
		}
		for _, t := range tasks {
			if t.Params[domain.ParamRevalidate] == "true" && t.Params[domain.ParamMode] == string(mode) {
				return t.ID, nil
			}
		}
	}

	taskID, err := s.orchestrator.Schedule(ctx, scheduleRequest{
		Kind:      domain.TaskValidate,
		SessionID: sess.ID,
		Params: map[string]string{
			domain.ParamMode:       string(mode),
			domain.ParamRevalidate: "true",
		},
	})
	if err != nil {
		return "", err
	}

	logger.Infow("Revalidation requested", "session_id", sess.ID, "mode", string(mode), "task_id", taskID)
	return taskID, nil
}

// ListTasks returns tasks matching filter, oldest first.
func (s *IngestionServiceImpl) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultTaskListLimit
	}
	return s.store.ListTasks(ctx, filter)
}

// RetryTask requeues a dead or failed task.
func (s *IngestionServiceImpl) RetryTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.orchestrator.Retry(ctx, taskID)
}
