package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

// scheduleRequest describes a task to enqueue.
type scheduleRequest struct {
	Kind      domain.TaskKind
	SessionID string
	NotBefore time.Time
	// DedupeKey makes scheduling idempotent; empty disables it.
	DedupeKey string
	Params    map[string]string
}

type taskHandler func(ctx context.Context, t *domain.Task) error

// orchestrator runs durable tasks from the metadata store on a bounded
// worker pool. A task runs at most once at a time: claims are atomic in the
// store, the in-flight set guards this node, and completions are
// compare-and-set so a stale run cannot overwrite a newer one.
type orchestrator struct {
	core     *IngestionServiceImpl
	pool     *resilience.WorkerPool
	policy   retryPolicy
	handlers map[domain.TaskKind]taskHandler

	inFlight sync.Map
	running  sync.WaitGroup
}

func newOrchestrator(core *IngestionServiceImpl, handlers map[domain.TaskKind]taskHandler) *orchestrator {
	cfg := core.cfg.Orchestrator
	return &orchestrator{
		core:     core,
		pool:     resilience.NewWorkerPool(cfg.Workers, cfg.QueueSize),
		policy:   newRetryPolicy(cfg.BaseDelay(), cfg.MaxDelay(), cfg.Jitter),
		handlers: handlers,
	}
}

// Schedule enqueues a task and returns its id. With a dedupe key already in
// use, the existing task id is returned instead.
func (o *orchestrator) Schedule(ctx context.Context, req scheduleRequest) (string, error) {
	id, err := o.core.idGen.NextString()
	if err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}

	now := o.core.now()
	notBefore := req.NotBefore
	if notBefore.Before(now) {
		notBefore = now
	}

	t := &domain.Task{
		ID:          id,
		Kind:        req.Kind,
		SessionID:   req.SessionID,
		DedupeKey:   req.DedupeKey,
		Params:      req.Params,
		Status:      domain.TaskPending,
		MaxAttempts: o.maxAttempts(),
		NextRetryAt: notBefore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.core.store.CreateTask(ctx, t); err != nil {
		if errors.Is(err, port.ErrTaskExists) && req.DedupeKey != "" {
			existing, ferr := o.core.store.FindTaskByDedupeKey(ctx, req.DedupeKey)
			if ferr != nil {
				return "", fmt.Errorf("lookup task %s: %w", req.DedupeKey, ferr)
			}
			return existing.ID, nil
		}
		return "", fmt.Errorf("schedule %s task for session %s: %w", req.Kind, req.SessionID, err)
	}

	logger.Infow("Task scheduled",
		"task_id", id,
		"kind", string(req.Kind),
		"session_id", req.SessionID,
		"not_before", notBefore,
	)
	return id, nil
}

func (o *orchestrator) maxAttempts() int {
	if n := o.core.cfg.Orchestrator.MaxAttempts; n > 0 {
		return n
	}
	return 5
}

// Run polls for due tasks until ctx ends, then waits for running tasks.
func (o *orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.core.cfg.Orchestrator.PollInterval())
	defer ticker.Stop()

	logger.Infow("Task orchestrator started",
		"workers", o.pool.Workers(),
		"max_attempts", o.maxAttempts(),
	)

	for {
		o.Poll(ctx)
		select {
		case <-ctx.Done():
			o.Drain()
			logger.Info("Task orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll recovers expired leases and dispatches as many due tasks as there are
// idle workers. It returns the number of tasks dispatched.
func (o *orchestrator) Poll(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	o.recoverStale(ctx)

	limit := o.pool.Idle()
	if batch := o.core.cfg.Orchestrator.BatchSize; batch > 0 && limit > batch {
		limit = batch
	}
	if limit == 0 {
		return 0
	}

	now := o.core.now()
	tasks, err := o.core.store.ClaimDueTasks(ctx, now, limit, now.Add(o.core.cfg.Orchestrator.Lease()))
	if err != nil {
		logger.Warnw("Failed to claim tasks", "error", err.Error())
		return 0
	}

	dispatched := 0
	for _, t := range tasks {
		if o.dispatch(ctx, t) {
			dispatched++
		}
	}
	return dispatched
}

// Wait blocks until every dispatched task has finished.
func (o *orchestrator) Wait() {
	o.running.Wait()
}

// Drain waits for running tasks and stops the pool.
func (o *orchestrator) Drain() {
	o.running.Wait()
	o.pool.Close()
	o.pool.Wait()
}

func (o *orchestrator) dispatch(ctx context.Context, t *domain.Task) bool {
	if _, busy := o.inFlight.LoadOrStore(t.ID, struct{}{}); busy {
		logger.Warnw("Task claimed while still running here, skipping", "task_id", t.ID, "kind", string(t.Kind))
		return false
	}

	o.running.Add(1)
	err := o.pool.TrySubmit(func() {
		defer o.running.Done()
		defer o.inFlight.Delete(t.ID)
		o.execute(ctx, t)
	})
	if err != nil {
		o.running.Done()
		o.inFlight.Delete(t.ID)
		o.release(ctx, t, err)
		return false
	}
	return true
}

func (o *orchestrator) execute(ctx context.Context, t *domain.Task) {
	started := time.Now()
	logger.Debugw("Task started", "task_id", t.ID, "kind", string(t.Kind), "session_id", t.SessionID, "attempt", t.Attempts)

	err := o.runHandler(ctx, t)
	o.finish(ctx, t, err, time.Since(started))
}

func (o *orchestrator) runHandler(ctx context.Context, t *domain.Task) (err error) {
	handler, ok := o.handlers[t.Kind]
	if !ok {
		return domain.Permanent(fmt.Errorf("no handler for task kind %q", t.Kind))
	}

	runCtx, cancel := context.WithTimeout(ctx, o.core.cfg.Orchestrator.TaskTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(runCtx, t)
}

// finish records the outcome of one run.
func (o *orchestrator) finish(ctx context.Context, t *domain.Task, runErr error, took time.Duration) {
	// The outcome must be recorded even when shutdown cancelled the run.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.core.cfg.App.StoreTimeout())
	defer cancel()

	now := o.core.now()
	var de *deferError
	switch {
	case runErr == nil:
		t.Status = domain.TaskSucceeded
	case errors.As(runErr, &de):
		t.Status = domain.TaskPending
		t.Attempts = max(t.Attempts-1, 0)
		t.NextRetryAt = now.Add(de.after)
	case ctx.Err() != nil && errors.Is(runErr, context.Canceled):
		t.Status = domain.TaskPending
		t.Attempts = max(t.Attempts-1, 0)
		t.NextRetryAt = now
	case errors.Is(runErr, domain.ErrPermanent), domain.IsClientError(runErr):
		// A rejected request fails the same way on every attempt.
		t.Status = domain.TaskFailed
	case t.Attempts >= t.MaxAttempts:
		t.Status = domain.TaskDead
	default:
		t.Status = domain.TaskPending
		t.NextRetryAt = now.Add(o.policy.delay(t.Attempts, runErr))
	}
	t.LeaseUntil = time.Time{}
	t.UpdatedAt = now
	if runErr != nil {
		t.LastError = runErr.Error()
	} else {
		t.LastError = ""
	}

	if err := o.core.store.UpdateTask(storeCtx, t); err != nil {
		logger.Warnw("Task outcome dropped",
			"task_id", t.ID,
			"kind", string(t.Kind),
			"status", string(t.Status),
			"error", err.Error(),
		)
		return
	}

	fields := []any{
		"task_id", t.ID,
		"kind", string(t.Kind),
		"session_id", t.SessionID,
		"attempts", t.Attempts,
		"max_attempts", t.MaxAttempts,
		"duration_ms", took.Milliseconds(),
	}
	switch t.Status {
	case domain.TaskSucceeded:
		logger.Infow("Task succeeded", fields...)
	case domain.TaskPending:
		logger.Warnw("Task will retry", append(fields, "next_retry_at", t.NextRetryAt, "error", t.LastError)...)
	default:
		o.surface(storeCtx, t, fields)
	}
}

// surface reports a task that will not run again and fails its session when
// the task was the session's validation.
func (o *orchestrator) surface(ctx context.Context, t *domain.Task, fields []any) {
	status := ""
	if s, err := o.core.store.GetSession(ctx, t.SessionID); err == nil {
		status = string(s.Status)
	}
	logger.Errorw("Task needs operator attention",
		append(fields, "status", string(t.Status), "session_status", status, "error", t.LastError)...)

	if t.Kind == domain.TaskValidate && t.Params[domain.ParamRevalidate] != "true" {
		o.core.machine.Fail(ctx, t.SessionID, domain.ActorOrchestrator,
			fmt.Sprintf("validation task %s %s: %s", t.ID, t.Status, t.LastError))
	}
}

// release hands a claimed task back without consuming its attempt.
func (o *orchestrator) release(ctx context.Context, t *domain.Task, cause error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.core.cfg.App.StoreTimeout())
	defer cancel()

	t.Status = domain.TaskPending
	t.Attempts = max(t.Attempts-1, 0)
	t.LeaseUntil = time.Time{}
	t.NextRetryAt = o.core.now()
	if err := o.core.store.UpdateTask(storeCtx, t); err != nil {
		logger.Warnw("Failed to release task", "task_id", t.ID, "cause", cause.Error(), "error", err.Error())
	}
}

// recoverStale returns tasks whose lease ran out to the queue, or marks them
// dead when no attempts remain.
func (o *orchestrator) recoverStale(ctx context.Context) {
	now := o.core.now()
	stale, err := o.core.store.ListStaleTasks(ctx, now, o.core.cfg.Orchestrator.BatchSize)
	if err != nil {
		logger.Warnw("Failed to list stale tasks", "error", err.Error())
		return
	}

	for _, t := range stale {
		if _, busy := o.inFlight.Load(t.ID); busy {
			continue
		}
		t.LeaseUntil = time.Time{}
		t.UpdatedAt = now
		t.LastError = "lease expired"
		if t.Attempts >= t.MaxAttempts {
			t.Status = domain.TaskDead
		} else {
			t.Status = domain.TaskPending
			t.NextRetryAt = now
		}
		if err := o.core.store.UpdateTask(ctx, t); err != nil {
			continue
		}
		fields := []any{"task_id", t.ID, "kind", string(t.Kind), "session_id", t.SessionID, "attempts", t.Attempts}
		if t.Status == domain.TaskDead {
			o.surface(ctx, t, fields)
			continue
		}
		logger.Warnw("Recovered task with expired lease", fields...)
	}
}

// Retry requeues a dead or failed task with a fresh attempt budget.
func (o *orchestrator) Retry(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := o.core.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskDead && t.Status != domain.TaskFailed {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrIllegalTransition, taskID, t.Status)
	}

	now := o.core.now()
	t.Status = domain.TaskPending
	t.Attempts = 0
	t.NextRetryAt = now
	t.UpdatedAt = now
	if err := o.core.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("requeue task %s: %w", taskID, err)
	}

	logger.Infow("Task requeued by operator", "task_id", t.ID, "kind", string(t.Kind), "session_id", t.SessionID)
	return t, nil
}
