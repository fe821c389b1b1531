package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
)

// MemoryStore is a process-local MetadataStore. Each call runs under one
// mutex, which makes every operation a transaction. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*domain.UploadSession
	parts       map[string]map[int]domain.PartRecord
	validations map[string][]*domain.ValidationResult
	tasks       map[string]*domain.Task
	dedupe      map[string]string
}

var _ port.MetadataStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*domain.UploadSession),
		parts:       make(map[string]map[int]domain.PartRecord),
		validations: make(map[string][]*domain.ValidationResult),
		tasks:       make(map[string]*domain.Task),
		dedupe:      make(map[string]string),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

// Sessions

func (m *MemoryStore) CreateSession(ctx context.Context, s *domain.UploadSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", port.ErrSessionExists, s.ID)
	}
	cp := s.Clone()
	cp.Version = 1
	m.sessions[s.ID] = cp
	s.Version = 1
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*domain.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *domain.UploadSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, s.ID)
	}
	if cur.Version != s.Version {
		return fmt.Errorf("%w: session %s at version %d, update from %d", port.ErrVersionConflict, s.ID, cur.Version, s.Version)
	}
	cp := s.Clone()
	cp.Version++
	m.sessions[s.ID] = cp
	s.Version = cp.Version
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error) {
	return m.listSessions(ctx, limit, func(s *domain.UploadSession) bool {
		return s.Status.AcceptsParts() && s.ExpiresAt.Before(now)
	})
}

func (m *MemoryStore) ListRetainedSessions(ctx context.Context, statuses []domain.SessionStatus, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	want := make(map[domain.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return m.listSessions(ctx, limit, func(s *domain.UploadSession) bool {
		return want[s.Status] && s.UpdatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) listSessions(ctx context.Context, limit int, match func(*domain.UploadSession) bool) ([]*domain.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.UploadSession
	for _, s := range m.sessions {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Parts

func (m *MemoryStore) InsertPart(ctx context.Context, p domain.PartRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byIndex, ok := m.parts[p.SessionID]
	if !ok {
		byIndex = make(map[int]domain.PartRecord)
		m.parts[p.SessionID] = byIndex
	}
	if _, taken := byIndex[p.Index]; taken {
		return fmt.Errorf("%w: session %s index %d", port.ErrPartExists, p.SessionID, p.Index)
	}
	byIndex[p.Index] = p
	return nil
}

func (m *MemoryStore) GetPart(ctx context.Context, sessionID string, index int) (*domain.PartRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[sessionID][index]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) ListParts(ctx context.Context, sessionID string) ([]domain.PartRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.PartRecord, 0, len(m.parts[sessionID]))
	for _, p := range m.parts[sessionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryStore) DeletePart(ctx context.Context, sessionID string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.parts[sessionID], index)
	return nil
}

func (m *MemoryStore) DeleteParts(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.parts, sessionID)
	return nil
}

// Validation results

func (m *MemoryStore) AppendValidationResult(ctx context.Context, r *domain.ValidationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.validations[r.SessionID] = append(m.validations[r.SessionID], r.Clone())
	return nil
}

func (m *MemoryStore) LatestValidationResult(ctx context.Context, sessionID string) (*domain.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	results := m.validations[sessionID]
	if len(results) == 0 {
		return nil, nil
	}
	return results[len(results)-1].Clone(), nil
}

func (m *MemoryStore) ListValidationResults(ctx context.Context, sessionID string) ([]*domain.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.ValidationResult, 0, len(m.validations[sessionID]))
	for _, r := range m.validations[sessionID] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *MemoryStore) DeleteValidationResults(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.validations, sessionID)
	return nil
}

// Tasks

func (m *MemoryStore) CreateTask(ctx context.Context, t *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.DedupeKey != "" {
		if _, ok := m.dedupe[t.DedupeKey]; ok {
			return fmt.Errorf("%w: %s", port.ErrTaskExists, t.DedupeKey)
		}
	}
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", port.ErrTaskExists, t.ID)
	}
	cp := t.Clone()
	cp.Version = 1
	m.tasks[t.ID] = cp
	if t.DedupeKey != "" {
		m.dedupe[t.DedupeKey] = t.ID
	}
	t.Version = 1
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) FindTaskByDedupeKey(ctx context.Context, key string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.dedupe[key]
	if !ok {
		return nil, fmt.Errorf("%w: dedupe key %s", domain.ErrTaskNotFound, key)
	}
	return m.tasks[id].Clone(), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, t.ID)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("%w: task %s at version %d, update from %d", port.ErrVersionConflict, t.ID, cur.Version, t.Version)
	}
	cp := t.Clone()
	cp.Version++
	m.tasks[t.ID] = cp
	t.Version = cp.Version
	return nil
}

func (m *MemoryStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskPending && !t.NextRetryAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.Task, 0, len(due))
	for _, t := range due {
		t.Status = domain.TaskRunning
		t.Attempts++
		t.LeaseUntil = leaseUntil
		t.UpdatedAt = now
		t.Version++
		claimed = append(claimed, t.Clone())
	}
	return claimed, nil
}

func (m *MemoryStore) ListStaleTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return m.listTasks(ctx, limit, func(t *domain.Task) bool {
		return t.Status == domain.TaskRunning && t.LeaseUntil.Before(now)
	})
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	return m.listTasks(ctx, filter.Limit, func(t *domain.Task) bool {
		return (filter.SessionID == "" || t.SessionID == filter.SessionID) &&
			(filter.Kind == "" || t.Kind == filter.Kind) &&
			(filter.Status == "" || t.Status == filter.Status)
	})
}

func (m *MemoryStore) listTasks(ctx context.Context, limit int, match func(*domain.Task) bool) ([]*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Task
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
