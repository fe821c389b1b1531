package service

import (
	"context"
	"fmt"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/validator"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
	"golang.org/x/sync/errgroup"
)

// IDGenerator allocates task ids.
type IDGenerator interface {
	NextString() (string, error)
}

// Dependencies are the collaborators of the ingestion service.
type Dependencies struct {
	Store    port.MetadataStore
	Blobs    port.BlobStore
	Locker   port.SessionLocker
	Notifier port.Notifier
	IDGen    IDGenerator

	// Membership restricts the reaper to sessions this node owns. Nil owns all.
	Membership port.Membership
	// Validators defaults to the built-in registry.
	Validators *validator.Registry
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// IngestionServiceImpl is the facade that wires the assembler, state
// machine, orchestrator and reaper.
type IngestionServiceImpl struct {
	cfg        *config.Config
	store      port.MetadataStore
	blobs      port.BlobStore
	locker     port.SessionLocker
	notifier   port.Notifier
	membership port.Membership
	validators *validator.Registry
	idGen      IDGenerator
	breaker    *resilience.CircuitBreaker
	now        func() time.Time

	machine      *stateMachine
	assembler    *assembler
	orchestrator *orchestrator
	reaper       *reaper
}

// Ensure IngestionServiceImpl implements port.IngestionService.
var _ port.IngestionService = (*IngestionServiceImpl)(nil)

// NewIngestionService builds the service facade and its use-case services.
func NewIngestionService(cfg *config.Config, deps Dependencies) *IngestionServiceImpl {
	svc := &IngestionServiceImpl{
		cfg:        cfg,
		store:      deps.Store,
		blobs:      deps.Blobs,
		locker:     deps.Locker,
		notifier:   deps.Notifier,
		membership: deps.Membership,
		validators: deps.Validators,
		idGen:      deps.IDGen,
		now:        deps.Clock,
	}
	if svc.validators == nil {
		svc.validators = validator.NewRegistry()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	svc.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "downstream-" + cfg.Notifier.Driver,
		FailureThreshold: cfg.Notifier.BreakerFailureThreshold,
		OpenTimeout:      cfg.Notifier.BreakerOpenTimeout(),
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			logger.Warnw("Circuit breaker state changed", "breaker", name, "from", string(from), "to", string(to))
		},
	})

	svc.machine = newStateMachine(svc)
	svc.assembler = newAssembler(svc)
	svc.orchestrator = newOrchestrator(svc, newTaskHandlers(svc).table())
	svc.reaper = newReaper(svc)

	return svc
}

// Run drives the orchestrator and the reaper until ctx ends.
func (s *IngestionServiceImpl) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.orchestrator.Run(gctx) })
	g.Go(func() error { return s.reaper.Run(gctx) })
	return g.Wait()
}

// OpenSession delegates to the assembler.
func (s *IngestionServiceImpl) OpenSession(ctx context.Context, principal string, req domain.OpenSessionRequest) (*domain.OpenSessionResult, error) {
	return s.assembler.openSession(ctx, principal, req)
}

// UploadPart delegates to the assembler.
func (s *IngestionServiceImpl) UploadPart(ctx context.Context, principal string, req domain.UploadPartRequest) (*domain.UploadPartResult, error) {
	return s.assembler.receivePart(ctx, principal, req)
}

// FinalizeSession delegates to the assembler.
func (s *IngestionServiceImpl) FinalizeSession(ctx context.Context, principal string, sessionID string) (*domain.FinalizeResult, error) {
	return s.assembler.finalize(ctx, principal, sessionID)
}

// AbortSession delegates to the assembler.
func (s *IngestionServiceImpl) AbortSession(ctx context.Context, principal string, sessionID string) (*domain.AbortResult, error) {
	return s.assembler.abort(ctx, principal, sessionID)
}

// loadOwned hides sessions of other principals behind not found.
func (s *IngestionServiceImpl) loadOwned(ctx context.Context, principal, sessionID string) (*domain.UploadSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != principal {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// lockSession takes the advisory session lock, waiting at most the lock timeout.
func (s *IngestionServiceImpl) lockSession(ctx context.Context, sessionID string, exclusive bool) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.App.LockTimeout())
	defer cancel()

	var (
		unlock func()
		err    error
	)
	if exclusive {
		unlock, err = s.locker.Lock(lockCtx, sessionID)
	} else {
		unlock, err = s.locker.RLock(lockCtx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	return unlock, nil
}
