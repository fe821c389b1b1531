package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/gosdk/logger"
)

const maxCASAttempts = 8

// errFollowUp reports a committed transition whose follow-up tasks could
// not be scheduled. The returned session reflects the committed state.
var errFollowUp = errors.New("follow-up scheduling failed")

// forwardRules lists which actors may apply each non-error transition.
// error and expired are checked separately.
var forwardRules = map[domain.SessionStatus]map[domain.SessionStatus][]domain.Actor{
	domain.StatusInitiated: {
		domain.StatusReceiving: {domain.ActorAssembler},
	},
	domain.StatusReceiving: {
		domain.StatusUploaded: {domain.ActorAssembler},
	},
	domain.StatusUploaded: {
		domain.StatusValidating: {domain.ActorOrchestrator},
	},
	domain.StatusValidating: {
		domain.StatusCompleted:        {domain.ActorOrchestrator},
		domain.StatusValidationFailed: {domain.ActorOrchestrator},
	},
}

// Transition is one requested status change.
type Transition struct {
	// Expect, when set, is the only status the change may start from.
	Expect domain.SessionStatus
	To     domain.SessionStatus
	Actor  domain.Actor
	// Cause is recorded when entering error.
	Cause string
	// Mutate edits other fields inside the same compare-and-set write.
	Mutate func(*domain.UploadSession)
}

// stateMachine owns session status. Every change goes through Apply.
type stateMachine struct {
	core *IngestionServiceImpl
}

func newStateMachine(core *IngestionServiceImpl) *stateMachine {
	return &stateMachine{core: core}
}

// Apply moves the session to tr.To by compare-and-set. Re-applying a
// transition whose target is already the current status is a no-op and
// reports changed=false. Rejected transitions return a *domain.TransitionError
// and leave the record untouched.
func (m *stateMachine) Apply(ctx context.Context, sessionID string, tr Transition) (*domain.UploadSession, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, err := m.core.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if s.Status == tr.To {
			return s, false, nil
		}
		if err := m.check(s, tr); err != nil {
			return s, false, err
		}

		from := s.Status
		s.Status = tr.To
		s.UpdatedAt = m.core.now()
		if tr.To == domain.StatusError {
			s.ErrorCause = tr.Cause
		}
		if tr.Mutate != nil {
			tr.Mutate(s)
		}

		if err := m.core.store.UpdateSession(ctx, s); err != nil {
			if errors.Is(err, port.ErrVersionConflict) {
				continue
			}
			return nil, false, fmt.Errorf("apply %s -> %s on session %s: %w", from, tr.To, sessionID, err)
		}

		logger.Infow("Session transitioned",
			"session_id", sessionID,
			"from", string(from),
			"to", string(tr.To),
			"actor", string(tr.Actor),
		)
		if err := m.afterCommit(ctx, s); err != nil {
			return s, true, err
		}
		return s, true, nil
	}
	return nil, false, fmt.Errorf("apply %s on session %s: %w", tr.To, sessionID, port.ErrVersionConflict)
}

// Fail pushes the session to error, recording cause. Sessions that are
// already terminal are left alone.
func (m *stateMachine) Fail(ctx context.Context, sessionID string, actor domain.Actor, cause string) {
	s, _, err := m.Apply(ctx, sessionID, Transition{To: domain.StatusError, Actor: actor, Cause: cause})
	if err == nil {
		return
	}
	status := ""
	if s != nil {
		status = string(s.Status)
	}
	logger.Errorw("Failed to move session to error",
		"session_id", sessionID,
		"status", status,
		"cause", cause,
		"error", err.Error(),
	)
}

func (m *stateMachine) check(s *domain.UploadSession, tr Transition) error {
	reject := &domain.TransitionError{SessionID: s.ID, From: s.Status, To: tr.To, Actor: tr.Actor}

	if tr.Expect != "" && s.Status != tr.Expect {
		return reject
	}
	if s.Status.IsTerminal() {
		return reject
	}

	switch tr.To {
	case domain.StatusError:
		return nil
	case domain.StatusExpired:
		if tr.Actor != domain.ActorReaper || !s.Status.AcceptsParts() || m.core.now().Before(s.ExpiresAt) {
			return reject
		}
		return nil
	}

	if actors, ok := forwardRules[s.Status][tr.To]; ok && slices.Contains(actors, tr.Actor) {
		return nil
	}
	return reject
}

// afterCommit schedules the work implied by entering s.Status.
func (m *stateMachine) afterCommit(ctx context.Context, s *domain.UploadSession) error {
	var reqs []scheduleRequest
	switch s.Status {
	case domain.StatusUploaded:
		reqs = append(reqs, validateRequest(s.ID), partsCleanupRequest(s.ID))
	case domain.StatusCompleted:
		reqs = append(reqs, notifyRequest(s.ID))
	case domain.StatusExpired, domain.StatusError:
		reqs = append(reqs, partsCleanupRequest(s.ID))
	}

	var errs []error
	for _, req := range reqs {
		if _, err := m.core.orchestrator.Schedule(ctx, req); err != nil {
			logger.Errorw("Failed to schedule follow-up task",
				"session_id", s.ID,
				"status", string(s.Status),
				"kind", string(req.Kind),
				"error", err.Error(),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("session %s entered %s: %w: %w", s.ID, s.Status, errFollowUp, errors.Join(errs...))
	}
	return nil
}

func validateRequest(sessionID string) scheduleRequest {
	return scheduleRequest{
		Kind:      domain.TaskValidate,
		SessionID: sessionID,
		DedupeKey: validateDedupeKey(sessionID),
		Params:    map[string]string{domain.ParamMode: string(domain.ModeSampled)},
	}
}

func notifyRequest(sessionID string) scheduleRequest {
	return scheduleRequest{
		Kind:      domain.TaskNotify,
		SessionID: sessionID,
		DedupeKey: notifyDedupeKey(sessionID),
	}
}

func partsCleanupRequest(sessionID string) scheduleRequest {
	return scheduleRequest{
		Kind:      domain.TaskCleanup,
		SessionID: sessionID,
		DedupeKey: cleanupDedupeKey(sessionID, domain.ScopeParts),
		Params:    map[string]string{domain.ParamScope: domain.ScopeParts},
	}
}

func purgeRequest(sessionID string) scheduleRequest {
	return scheduleRequest{
		Kind:      domain.TaskCleanup,
		SessionID: sessionID,
		DedupeKey: cleanupDedupeKey(sessionID, domain.ScopePurge),
		Params:    map[string]string{domain.ParamScope: domain.ScopePurge},
	}
}
