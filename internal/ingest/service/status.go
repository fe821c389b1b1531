package service

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
)

const healthProbeKey = "_health/probe"

// GetStatus reports the durable state of a session.
func (s *IngestionServiceImpl) GetStatus(ctx context.Context, principal string, sessionID string) (*domain.SessionView, error) {
	sess, err := s.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err := s.store.ListParts(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	var received int64
	for _, p := range parts {
		received += p.Size
	}

	view := &domain.SessionView{
		SessionID:     sess.ID,
		Status:        sess.Status,
		Progress:      progress(sess, received),
		ReceivedBytes: received,
		DeclaredSize:  sess.DeclaredSize,
		Parts:         len(parts),
		ErrorCause:    sess.ErrorCause,
		Validation:    validationLabel(sess.Status),
		ExpiresAt:     sess.ExpiresAt,
		UpdatedAt:     sess.UpdatedAt,
	}
	if sess.Status.Finalized() {
		res, err := s.store.LatestValidationResult(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("read validation result: %w", err)
		}
		view.Result = res
	}
	return view, nil
}

// progress is the received share of the declared size in percent.
func progress(s *domain.UploadSession, received int64) float64 {
	if s.Status.Finalized() {
		return 100
	}
	if s.DeclaredSize <= 0 {
		return 0
	}
	p := float64(received) / float64(s.DeclaredSize) * 100
	return math.Min(100, math.Round(p*100)/100)
}

func validationLabel(status domain.SessionStatus) string {
	switch status {
	case domain.StatusUploaded, domain.StatusValidating:
		return validationPending
	case domain.StatusCompleted:
		return "passed"
	case domain.StatusValidationFailed:
		return "failed"
	default:
		return ""
	}
}

// CheckHealth probes the metadata store and the blob store concurrently.
func (s *IngestionServiceImpl) CheckHealth(ctx context.Context) *domain.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.App.StoreTimeout())
	defer cancel()

	services := map[string]string{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	probe := func(name string, fn func() error) {
		defer wg.Done()
		status := "healthy"
		if err := fn(); err != nil {
			status = "unhealthy: " + err.Error()
		}
		mu.Lock()
		services[name] = status
		mu.Unlock()
	}

	wg.Add(2)
	go probe("metadata_store", func() error { return s.store.Ping(ctx) })
	go probe("blob_store", func() error {
		_, err := s.blobs.List(ctx, healthProbeKey)
		return err
	})
	wg.Wait()

	if s.breaker.State() == resilience.CircuitOpen {
		services["downstream"] = "circuit open"
	} else {
		services["downstream"] = "healthy"
	}

	overall := "healthy"
	for name, status := range services {
		if status != "healthy" {
			overall = "degraded"
			if name != "downstream" {
				overall = "unhealthy"
				break
			}
		}
	}

	return &domain.HealthReport{
		Status:    overall,
		Timestamp: s.now(),
		Version:   s.cfg.App.Version,
		Services:  services,
	}
}
