package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    target_key        TEXT NOT NULL,
    declared_size     BIGINT NOT NULL,
    content_type      TEXT NOT NULL DEFAULT '',
    file_name         TEXT NOT NULL DEFAULT '',
    sample_id         TEXT NOT NULL DEFAULT '',
    project_id        TEXT NOT NULL DEFAULT '',
    metadata          JSONB NOT NULL DEFAULT '{}',
    declared_checksum TEXT NOT NULL DEFAULT '',
    computed_checksum TEXT NOT NULL DEFAULT '',
    parts_root        TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    error_cause       TEXT NOT NULL DEFAULT '',
    version           BIGINT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    expires_at        TIMESTAMPTZ NOT NULL,
    uploaded_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS upload_sessions_status_expires ON upload_sessions (status, expires_at);

CREATE TABLE IF NOT EXISTS upload_parts (
    session_id  TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    size        BIGINT NOT NULL,
    digest      TEXT NOT NULL,
    blob_key    TEXT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS validation_results (
    id          TEXT PRIMARY KEY,
    seq         BIGSERIAL,
    session_id  TEXT NOT NULL,
    task_id     TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL,
    format      TEXT NOT NULL DEFAULT '',
    compression TEXT NOT NULL DEFAULT '',
    mode        TEXT NOT NULL,
    is_valid    BOOLEAN NOT NULL,
    sampled     BOOLEAN NOT NULL,
    metrics     JSONB NOT NULL DEFAULT '{}',
    errors      TEXT[] NOT NULL DEFAULT '{}',
    bytes_read  BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS validation_results_session ON validation_results (session_id, seq);

CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    dedupe_key    TEXT NOT NULL DEFAULT '',
    params        JSONB NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL,
    max_attempts  INTEGER NOT NULL,
    next_retry_at TIMESTAMPTZ NOT NULL,
    lease_until   TIMESTAMPTZ NOT NULL,
    last_error    TEXT NOT NULL DEFAULT '',
    version       BIGINT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_dedupe_key ON tasks (dedupe_key) WHERE dedupe_key <> '';
CREATE INDEX IF NOT EXISTS tasks_due ON tasks (status, next_retry_at);
`

const (
	sessionColumns = `id, owner_id, target_key, declared_size, content_type, file_name, sample_id, project_id,
metadata, declared_checksum, computed_checksum, parts_root, status, error_cause, version,
created_at, updated_at, expires_at, uploaded_at`

	taskColumns = `id, kind, session_id, dedupe_key, params, status, attempts, max_attempts,
next_retry_at, lease_until, last_error, version, created_at, updated_at`

	resultColumns = `id, session_id, task_id, attempt, format, compression, mode, is_valid, sampled,
metrics, errors, bytes_read, created_at`
)

// PostgresStore implements port.MetadataStore on PostgreSQL. Every call is
// bounded by the store timeout.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ port.MetadataStore = (*PostgresStore)(nil)

// NewPostgresStore connects and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, timeout time.Duration) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, timeout: timeout}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.UploadSession) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `INSERT INTO upload_sessions (`+sessionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1,$15,$16,$17,$18)
ON CONFLICT DO NOTHING`,
		sess.ID, sess.OwnerID, sess.TargetKey, sess.DeclaredSize, sess.ContentType, sess.FileName,
		sess.SampleID, sess.ProjectID, jsonMap(sess.Metadata), sess.DeclaredChecksum, sess.ComputedChecksum,
		sess.PartsRoot, string(sess.Status), sess.ErrorCause,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt, sess.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", port.ErrSessionExists, sess.ID)
	}
	sess.Version = 1
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.UploadSession, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *domain.UploadSession) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE upload_sessions SET
    metadata = $3, declared_checksum = $4, computed_checksum = $5, parts_root = $6, status = $7,
    error_cause = $8, updated_at = $9, expires_at = $10, uploaded_at = $11, version = version + 1
WHERE id = $1 AND version = $2`,
		sess.ID, sess.Version, jsonMap(sess.Metadata), sess.DeclaredChecksum, sess.ComputedChecksum,
		sess.PartsRoot, string(sess.Status), sess.ErrorCause, sess.UpdatedAt, sess.ExpiresAt, sess.UploadedAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetSession(ctx, sess.ID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: session %s at version %d", port.ErrVersionConflict, sess.ID, sess.Version)
	}
	sess.Version++
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM upload_sessions
WHERE status IN ('initiated', 'receiving') AND expires_at < $1
ORDER BY expires_at LIMIT $2`, now, sqlLimit(limit))
}

func (s *PostgresStore) ListRetainedSessions(ctx context.Context, statuses []domain.SessionStatus, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM upload_sessions
WHERE status = ANY($1) AND updated_at < $2
ORDER BY updated_at LIMIT $3`, names, cutoff, sqlLimit(limit))
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.UploadSession, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*domain.UploadSession, error) {
	var (
		sess   domain.UploadSession
		status string
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.TargetKey, &sess.DeclaredSize, &sess.ContentType,
		&sess.FileName, &sess.SampleID, &sess.ProjectID, &sess.Metadata, &sess.DeclaredChecksum,
		&sess.ComputedChecksum, &sess.PartsRoot, &status, &sess.ErrorCause, &sess.Version,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt, &sess.UploadedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	return &sess, nil
}

// Parts

func (s *PostgresStore) InsertPart(ctx context.Context, p domain.PartRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `INSERT INTO upload_parts (session_id, idx, size, digest, blob_key, received_at)
VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
		p.SessionID, p.Index, p.Size, p.Digest, p.BlobKey, p.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert part %d of session %s: %w", p.Index, p.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s index %d", port.ErrPartExists, p.SessionID, p.Index)
	}
	return nil
}

func (s *PostgresStore) GetPart(ctx context.Context, sessionID string, index int) (*domain.PartRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	p := domain.PartRecord{SessionID: sessionID, Index: index}
	err := s.pool.QueryRow(ctx, `SELECT size, digest, blob_key, received_at FROM upload_parts
WHERE session_id = $1 AND idx = $2`, sessionID, index).Scan(&p.Size, &p.Digest, &p.BlobKey, &p.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParts(ctx context.Context, sessionID string) ([]domain.PartRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT idx, size, digest, blob_key, received_at FROM upload_parts
WHERE session_id = $1 ORDER BY idx`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.PartRecord{}
	for rows.Next() {
		p := domain.PartRecord{SessionID: sessionID}
		if err := rows.Scan(&p.Index, &p.Size, &p.Digest, &p.BlobKey, &p.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePart(ctx context.Context, sessionID string, index int) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM upload_parts WHERE session_id = $1 AND idx = $2`, sessionID, index)
	return err
}

func (s *PostgresStore) DeleteParts(ctx context.Context, sessionID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM upload_parts WHERE session_id = $1`, sessionID)
	return err
}

// Validation results

func (s *PostgresStore) AppendValidationResult(ctx context.Context, r *domain.ValidationResult) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO validation_results (`+resultColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.SessionID, r.TaskID, r.Attempt, string(r.Format), string(r.Compression), string(r.Mode),
		r.IsValid, r.Sampled, jsonMetrics(r.Metrics), errs, r.BytesRead, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert validation result for session %s: %w", r.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) LatestValidationResult(ctx context.Context, sessionID string) (*domain.ValidationResult, error) {
	results, err := s.queryResults(ctx, `SELECT `+resultColumns+` FROM validation_results
WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`, sessionID)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return results[0], nil
}

func (s *PostgresStore) ListValidationResults(ctx context.Context, sessionID string) ([]*domain.ValidationResult, error) {
	return s.queryResults(ctx, `SELECT `+resultColumns+` FROM validation_results
WHERE session_id = $1 ORDER BY seq`, sessionID)
}

func (s *PostgresStore) queryResults(ctx context.Context, query string, args ...any) ([]*domain.ValidationResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.ValidationResult{}
	for rows.Next() {
		var (
			r                         domain.ValidationResult
			format, compression, mode string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.TaskID, &r.Attempt, &format, &compression, &mode,
			&r.IsValid, &r.Sampled, &r.Metrics, &r.Errors, &r.BytesRead, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Format = domain.Format(format)
		r.Compression = domain.Compression(compression)
		r.Mode = domain.ValidationMode(mode)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteValidationResults(ctx context.Context, sessionID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM validation_results WHERE session_id = $1`, sessionID)
	return err
}

// Tasks

func (s *PostgresStore) CreateTask(ctx context.Context, t *domain.Task) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$13) ON CONFLICT DO NOTHING`,
		t.ID, string(t.Kind), t.SessionID, t.DedupeKey, jsonMap(t.Params), string(t.Status), t.Attempts,
		t.MaxAttempts, t.NextRetryAt, t.LeaseUntil, t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", port.ErrTaskExists, t.ID, t.DedupeKey)
	}
	t.Version = 1
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.getTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

func (s *PostgresStore) FindTaskByDedupeKey(ctx context.Context, key string) (*domain.Task, error) {
	return s.getTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = $1 AND dedupe_key <> ''`, key)
}

func (s *PostgresStore) getTask(ctx context.Context, query, arg string) (*domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	t, err := scanTask(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", arg, err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET
    params = $3, status = $4, attempts = $5, next_retry_at = $6, lease_until = $7, last_error = $8,
    updated_at = $9, version = version + 1
WHERE id = $1 AND version = $2`,
		t.ID, t.Version, jsonMap(t.Params), string(t.Status), t.Attempts, t.NextRetryAt, t.LeaseUntil,
		t.LastError, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetTask(ctx, t.ID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: task %s at version %d", port.ErrVersionConflict, t.ID, t.Version)
	}
	t.Version++
	return nil
}

// ClaimDueTasks locks due rows with SKIP LOCKED so concurrent nodes never
// claim the same task.
func (s *PostgresStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]*domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryTasks(ctx, `UPDATE tasks SET
    status = 'running', attempts = attempts + 1, lease_until = $3, updated_at = $1, version = version + 1
WHERE id IN (
    SELECT id FROM tasks
    WHERE status = 'pending' AND next_retry_at <= $1
    ORDER BY next_retry_at, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING `+taskColumns, now, limit, leaseUntil)
}

func (s *PostgresStore) ListStaleTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status = 'running' AND lease_until < $1 ORDER BY lease_until LIMIT $2`, now, sqlLimit(limit))
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE ($1 = '' OR session_id = $1) AND ($2 = '' OR kind = $2) AND ($3 = '' OR status = $3)
ORDER BY created_at, id LIMIT $4`,
		filter.SessionID, string(filter.Kind), string(filter.Status), sqlLimit(filter.Limit))
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t            domain.Task
		kind, status string
	)
	err := row.Scan(&t.ID, &kind, &t.SessionID, &t.DedupeKey, &t.Params, &status, &t.Attempts,
		&t.MaxAttempts, &t.NextRetryAt, &t.LeaseUntil, &t.LastError, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	return &t, nil
}

func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func jsonMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// sqlLimit maps "no limit" to NULL, which LIMIT treats as unbounded.
func sqlLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
