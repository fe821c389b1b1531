package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/validator"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
)

// taskHandlers implements the work behind each task kind.
type taskHandlers struct {
	core *IngestionServiceImpl
}

func newTaskHandlers(core *IngestionServiceImpl) *taskHandlers {
	return &taskHandlers{core: core}
}

func (h *taskHandlers) table() map[domain.TaskKind]taskHandler {
	return map[domain.TaskKind]taskHandler{
		domain.TaskValidate: h.validate,
		domain.TaskNotify:   h.notify,
		domain.TaskCleanup:  h.cleanup,
	}
}

// loadSession treats a missing session as permanent.
func (h *taskHandlers) loadSession(ctx context.Context, id string) (*domain.UploadSession, error) {
	s, err := h.core.store.GetSession(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.Permanent(err)
	}
	return s, err
}

func (h *taskHandlers) validate(ctx context.Context, t *domain.Task) error {
	s, err := h.loadSession(ctx, t.SessionID)
	if err != nil {
		return err
	}

	mode := domain.ModeSampled
	if t.Params[domain.ParamMode] == string(domain.ModeExhaustive) {
		mode = domain.ModeExhaustive
	}

	if t.Params[domain.ParamRevalidate] == "true" {
		if s.Status != domain.StatusCompleted && s.Status != domain.StatusValidationFailed {
			return domain.Permanent(fmt.Errorf("%w: cannot revalidate session %s in %s", domain.ErrIllegalTransition, s.ID, s.Status))
		}
		_, err := h.runValidation(ctx, s, t, mode)
		return err
	}

	switch s.Status {
	case domain.StatusCompleted:
		// A retry after the notify hook failed to schedule.
		_, err := h.core.orchestrator.Schedule(ctx, notifyRequest(s.ID))
		return err
	case domain.StatusValidationFailed:
		return nil
	case domain.StatusUploaded:
		if _, _, err := h.core.machine.Apply(ctx, s.ID, Transition{
			Expect: domain.StatusUploaded,
			To:     domain.StatusValidating,
			Actor:  domain.ActorOrchestrator,
		}); err != nil {
			return permanentIfIllegal(err)
		}
	case domain.StatusValidating:
		// Resumed after a failed or interrupted attempt.
	default:
		return domain.Permanent(fmt.Errorf("session %s is %s", s.ID, s.Status))
	}

	res, err := h.runValidation(ctx, s, t, mode)
	if err != nil {
		return err
	}

	to := domain.StatusValidationFailed
	if res.IsValid {
		to = domain.StatusCompleted
	}
	_, _, err = h.core.machine.Apply(ctx, s.ID, Transition{
		Expect: domain.StatusValidating,
		To:     to,
		Actor:  domain.ActorOrchestrator,
	})
	return permanentIfIllegal(err)
}

func permanentIfIllegal(err error) error {
	if errors.Is(err, domain.ErrIllegalTransition) {
		return domain.Permanent(err)
	}
	return err
}

// runValidation selects and runs the validator and appends its result.
// Format verdicts are recorded; read failures are returned for retry.
func (h *taskHandlers) runValidation(ctx context.Context, s *domain.UploadSession, t *domain.Task, mode domain.ValidationMode) (*domain.ValidationResult, error) {
	ref := validator.BlobRef{
		Key:         s.TargetKey,
		Size:        s.DeclaredSize,
		ContentType: s.ContentType,
		FileName:    s.FileName,
	}
	limits := validator.Limits{}
	if mode == domain.ModeSampled {
		limits = validator.Limits{
			MaxBytes:   h.core.cfg.Validation.SampleBytes,
			MaxRecords: h.core.cfg.Validation.SampleRecords,
		}
	}

	var res *domain.ValidationResult
	v, err := h.core.validators.Select(ref)
	if err == nil {
		res, err = v.Validate(ctx, h.core.blobs, ref, limits)
	} else {
		res = &domain.ValidationResult{Mode: limits.Mode(), Errors: []string{err.Error()}}
	}
	if err != nil && !domain.IsValidationOutcome(err) {
		return nil, fmt.Errorf("validate session %s: %w", s.ID, err)
	}

	res.ID = uuid.NewString()
	res.SessionID = s.ID
	res.TaskID = t.ID
	res.Attempt = t.Attempts
	res.CreatedAt = h.core.now()
	if err := h.core.store.AppendValidationResult(ctx, res); err != nil {
		return nil, fmt.Errorf("record validation result for session %s: %w", s.ID, err)
	}

	logger.Infow("Validation finished",
		"session_id", s.ID,
		"task_id", t.ID,
		"format", string(res.Format),
		"mode", string(res.Mode),
		"is_valid", res.IsValid,
		"sampled", res.Sampled,
		"errors", res.Errors,
	)
	return res, nil
}

// notify hands a completed session to the downstream collaborator through
// the circuit breaker. Delivery is at-least-once keyed by session id.
func (h *taskHandlers) notify(ctx context.Context, t *domain.Task) error {
	s, err := h.loadSession(ctx, t.SessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.StatusCompleted {
		return domain.Permanent(fmt.Errorf("session %s is %s, not completed", s.ID, s.Status))
	}

	results, err := h.core.store.ListValidationResults(ctx, s.ID)
	if err != nil {
		return err
	}
	var passed *domain.ValidationResult
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].IsValid {
			passed = results[i]
			break
		}
	}
	if passed == nil {
		return domain.Permanent(fmt.Errorf("session %s has no passing validation result", s.ID))
	}

	checksum := s.DeclaredChecksum
	if checksum == "" {
		checksum = s.ComputedChecksum
	}
	summary := domain.ValidationSummary{
		SessionID:  s.ID,
		SampleID:   s.SampleID,
		ProjectID:  s.ProjectID,
		DataPath:   s.TargetKey,
		Format:     passed.Format,
		Checksum:   checksum,
		Size:       s.DeclaredSize,
		Sampled:    passed.Sampled,
		QCProfile:  h.core.cfg.Notifier.QCProfile,
		Parameters: passed.Metrics,
		ResultID:   passed.ID,
	}

	return h.core.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.core.notifier.Notify(ctx, summary)
	})
}

func (h *taskHandlers) cleanup(ctx context.Context, t *domain.Task) error {
	if t.Params[domain.ParamScope] == domain.ScopePurge {
		return h.purge(ctx, t)
	}
	return h.deleteParts(ctx, t.SessionID)
}

// deleteParts removes part blobs. Part records stay so status and finalize
// results can still be derived.
func (h *taskHandlers) deleteParts(ctx context.Context, sessionID string) error {
	keys, err := h.core.blobs.List(ctx, partsPrefix(sessionID))
	if err != nil {
		return fmt.Errorf("list parts of session %s: %w", sessionID, err)
	}
	for _, key := range keys {
		if err := h.core.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if len(keys) > 0 {
		logger.Infow("Part blobs removed", "session_id", sessionID, "count", len(keys))
	}
	return nil
}

// purge removes every trace of a terminal session. It waits for a session
// that is still moving.
func (h *taskHandlers) purge(ctx context.Context, t *domain.Task) error {
	s, err := h.core.store.GetSession(ctx, t.SessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return h.deleteParts(ctx, t.SessionID)
	}
	if err != nil {
		return err
	}
	if !s.Status.IsTerminal() {
		return deferFor(h.core.cfg.Orchestrator.ReaperInterval(), "session %s is %s", s.ID, s.Status)
	}

	if err := h.deleteParts(ctx, s.ID); err != nil {
		return err
	}
	if err := h.core.blobs.Delete(ctx, s.TargetKey); err != nil {
		return fmt.Errorf("delete %s: %w", s.TargetKey, err)
	}
	if err := h.core.store.DeleteValidationResults(ctx, s.ID); err != nil {
		return err
	}
	if err := h.core.store.DeleteParts(ctx, s.ID); err != nil {
		return err
	}
	if err := h.core.store.DeleteSession(ctx, s.ID); err != nil {
		return err
	}

	logger.Infow("Session purged", "session_id", s.ID, "status", string(s.Status), "task_id", t.ID)
	return nil
}
