package domain

import "time"

// Format is the closed set of validated file families.
type Format string

const (
	FormatReads      Format = "reads"
	FormatAlignments Format = "alignments"
	FormatVariants   Format = "variants"
)

// Compression detected on the stored object.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionBGZF Compression = "bgzf"
)

// ValidationMode selects bounded or full-read validation.
type ValidationMode string

const (
	ModeSampled    ValidationMode = "sampled"
	ModeExhaustive ValidationMode = "exhaustive"
)

// ValidationResult is written once per validation attempt and never mutated.
type ValidationResult struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	TaskID      string             `json:"task_id,omitempty"`
	Attempt     int                `json:"attempt"`
	Format      Format             `json:"format,omitempty"`
	Compression Compression        `json:"compression,omitempty"`
	Mode        ValidationMode     `json:"mode"`
	IsValid     bool               `json:"is_valid"`
	Sampled     bool               `json:"sampled"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Errors      []string           `json:"errors,omitempty"`
	BytesRead   int64              `json:"bytes_read"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Clone returns a deep copy.
func (r *ValidationResult) Clone() *ValidationResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Metrics != nil {
		cp.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			cp.Metrics[k] = v
		}
	}
	cp.Errors = append([]string(nil), r.Errors...)
	return &cp
}

// ValidationSummary is the payload handed to the downstream collaborator.
type ValidationSummary struct {
	SessionID  string             `json:"session_id"`
	SampleID   string             `json:"sample_id"`
	ProjectID  string             `json:"project_id"`
	DataPath   string             `json:"data_path"`
	Format     Format             `json:"format"`
	Checksum   string             `json:"checksum"`
	Size       int64              `json:"size"`
	Sampled    bool               `json:"sampled"`
	QCProfile  string             `json:"qc_profile"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	ResultID   string             `json:"validation_result_id"`
}
