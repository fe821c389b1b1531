package domain

import "time"

type TaskKind string

const (
	TaskValidate TaskKind = "validate"
	TaskCleanup  TaskKind = "cleanup"
	TaskNotify   TaskKind = "notify_downstream"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskDead      TaskStatus = "dead"
)

// Task params keys.
const (
	ParamMode       = "mode"
	ParamScope      = "scope"
	ParamRevalidate = "revalidate"
)

// Cleanup scopes.
const (
	ScopeParts = "parts"
	ScopePurge = "purge"
)

// Task is a durable unit of asynchronous work.
type Task struct {
	ID          string            `json:"id"`
	Kind        TaskKind          `json:"kind"`
	SessionID   string            `json:"session_id"`
	DedupeKey   string            `json:"dedupe_key,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Status      TaskStatus        `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	NextRetryAt time.Time         `json:"next_retry_at"`
	LeaseUntil  time.Time         `json:"lease_until,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Params != nil {
		cp.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// TaskFilter narrows task listings. Zero fields match everything.
type TaskFilter struct {
	SessionID string
	Kind      TaskKind
	Status    TaskStatus
	Limit     int
}
