package domain

import "time"

// Metadata keys understood by the assembler.
const (
	MetaContentType = "content_type"
	MetaFileName    = "filename"
	MetaChecksum    = "checksum"
	MetaSampleID    = "sample_id"
	MetaProjectID   = "project_id"
)

type OpenSessionRequest struct {
	DeclaredSize int64             `json:"declared_size"`
	TargetKey    string            `json:"target_key"`
	Metadata     map[string]string `json:"metadata"`
}

type OpenSessionResult struct {
	SessionID    string    `json:"session_id"`
	PartSizeHint int64     `json:"part_size_hint"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type UploadPartRequest struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Data      []byte `json:"data"`
	Digest    string `json:"digest"`
}

type UploadPartResult struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// FinalizeResult is derived from the stored session so repeated calls
// return the same value.
type FinalizeResult struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	Validation string        `json:"validation"`
	TargetKey  string        `json:"target_key"`
	Size       int64         `json:"size"`
	Parts      int           `json:"parts"`
	Checksum   string        `json:"checksum"`
	PartsRoot  string        `json:"parts_root"`
	UploadedAt time.Time     `json:"uploaded_at"`
}

// SessionView is what callers see when polling.
type SessionView struct {
	SessionID     string            `json:"session_id"`
	Status        SessionStatus     `json:"status"`
	Progress      float64           `json:"progress"`
	ReceivedBytes int64             `json:"received_bytes"`
	DeclaredSize  int64             `json:"declared_size"`
	Parts         int               `json:"parts"`
	ErrorCause    string            `json:"error_cause,omitempty"`
	Validation    string            `json:"validation,omitempty"`
	Result        *ValidationResult `json:"validation_result,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type AbortResult struct {
	SessionID     string        `json:"session_id"`
	Status        SessionStatus `json:"status"`
	CleanupTaskID string        `json:"cleanup_task_id,omitempty"`
}

// HealthReport mirrors the gateway health payload.
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
}
