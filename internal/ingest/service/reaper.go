package service

import (
	"context"
	"errors"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/gosdk/logger"
)

// retainedStatuses are purged once the retention grace has passed.
// Completed sessions are kept.
var retainedStatuses = []domain.SessionStatus{
	domain.StatusExpired,
	domain.StatusError,
	domain.StatusValidationFailed,
}

// reaper expires abandoned sessions and schedules the purge of old failures.
type reaper struct {
	core *IngestionServiceImpl
}

func newReaper(core *IngestionServiceImpl) *reaper {
	return &reaper{core: core}
}

// Run sweeps on every reaper interval until ctx ends.
func (r *reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.core.cfg.Orchestrator.ReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many sessions it expired and how many
// purges it scheduled.
func (r *reaper) Sweep(ctx context.Context) (expired, purges int) {
	now := r.core.now()
	batch := r.core.cfg.Orchestrator.ReaperBatchSize

	stale, err := r.core.store.ListExpiredSessions(ctx, now, batch)
	if err != nil {
		logger.Warnw("Reaper failed to list expired sessions", "error", err.Error())
	}
	for _, s := range stale {
		if !r.owns(s.ID) {
			continue
		}
		if r.expire(ctx, s.ID) {
			expired++
		}
	}

	cutoff := now.Add(-r.core.cfg.App.RetentionGrace())
	retained, err := r.core.store.ListRetainedSessions(ctx, retainedStatuses, cutoff, batch)
	if err != nil {
		logger.Warnw("Reaper failed to list retained sessions", "error", err.Error())
	}
	for _, s := range retained {
		if !r.owns(s.ID) {
			continue
		}
		if _, err := r.core.orchestrator.Schedule(ctx, purgeRequest(s.ID)); err != nil {
			logger.Warnw("Reaper failed to schedule purge", "session_id", s.ID, "error", err.Error())
			continue
		}
		purges++
	}

	if expired > 0 || purges > 0 {
		logger.Infow("Reaper sweep finished", "expired", expired, "purges", purges)
	}
	return expired, purges
}

func (r *reaper) owns(sessionID string) bool {
	return r.core.membership == nil || r.core.membership.Owns(sessionID)
}

func (r *reaper) expire(ctx context.Context, sessionID string) bool {
	unlock, err := r.core.lockSession(ctx, sessionID, true)
	if err != nil {
		logger.Warnw("Reaper could not lock session", "session_id", sessionID, "error", err.Error())
		return false
	}
	defer unlock()

	s, changed, err := r.core.machine.Apply(ctx, sessionID, Transition{
		To:    domain.StatusExpired,
		Actor: domain.ActorReaper,
	})
	switch {
	case errors.Is(err, domain.ErrIllegalTransition):
		// Activity moved the deadline or the session finished meanwhile.
		return false
	case err != nil && s == nil:
		logger.Warnw("Reaper failed to expire session", "session_id", sessionID, "error", err.Error())
		return false
	case err != nil:
		logger.Errorw("Session expired without cleanup", "session_id", sessionID, "error", err.Error())
	}
	return changed
}
