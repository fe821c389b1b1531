package domain

import "time"

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

const (
	StatusInitiated        SessionStatus = "initiated"
	StatusReceiving        SessionStatus = "receiving"
	StatusUploaded         SessionStatus = "uploaded"
	StatusValidating       SessionStatus = "validating"
	StatusCompleted        SessionStatus = "completed"
	StatusValidationFailed SessionStatus = "validation_failed"
	StatusError            SessionStatus = "error"
	StatusExpired          SessionStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusValidationFailed, StatusError, StatusExpired:
		return true
	default:
		return false
	}
}

// AcceptsParts reports whether parts may still be received.
func (s SessionStatus) AcceptsParts() bool {
	return s == StatusInitiated || s == StatusReceiving
}

// Finalized reports whether the object has been assembled.
func (s SessionStatus) Finalized() bool {
	switch s {
	case StatusUploaded, StatusValidating, StatusCompleted, StatusValidationFailed:
		return true
	default:
		return false
	}
}

// UploadSession is one logical file upload.
type UploadSession struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	TargetKey        string            `json:"target_key"`
	DeclaredSize     int64             `json:"declared_size"`
	ContentType      string            `json:"content_type,omitempty"`
	FileName         string            `json:"file_name,omitempty"`
	SampleID         string            `json:"sample_id"`
	ProjectID        string            `json:"project_id"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	DeclaredChecksum string            `json:"declared_checksum,omitempty"`
	ComputedChecksum string            `json:"computed_checksum,omitempty"`
	PartsRoot        string            `json:"parts_root,omitempty"`
	Status           SessionStatus     `json:"status"`
	ErrorCause       string            `json:"error_cause,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	UploadedAt       time.Time         `json:"uploaded_at,omitempty"`
}

// Clone returns a deep copy.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// PartRecord describes one accepted part.
type PartRecord struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	BlobKey    string    `json:"blob_key"`
	ReceivedAt time.Time `json:"received_at"`
}
