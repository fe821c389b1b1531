// Package validator checks the structure of assembled objects. Each variant
// reads a bounded prefix of the object and reports what it saw; none of them
// touch session state.
package validator

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
)

// BlobRef points at the object to validate.
type BlobRef struct {
	Key         string
	Size        int64
	ContentType string
	FileName    string
}

// Limits bound the cost of one run. Zero values remove the bound.
type Limits struct {
	MaxBytes   int64
	MaxRecords int
}

// Exhaustive reports whether the whole object will be read.
func (l Limits) Exhaustive() bool {
	return l.MaxBytes <= 0 && l.MaxRecords <= 0
}

// Mode is the validation mode these limits correspond to.
func (l Limits) Mode() domain.ValidationMode {
	if l.Exhaustive() {
		return domain.ModeExhaustive
	}
	return domain.ModeSampled
}

// RangeReader is the read side of the blob store.
type RangeReader interface {
	Get(ctx context.Context, key string, rng port.ByteRange) (io.ReadCloser, error)
}

// Validator checks one file family.
//
// A format verdict (corrupt, empty) is returned as an error wrapping the
// matching domain sentinel together with a non-nil result describing it.
// Any other error means the object could not be read and the result is nil.
type Validator interface {
	Format() domain.Format
	Validate(ctx context.Context, src RangeReader, ref BlobRef, limits Limits) (*domain.ValidationResult, error)
}

var contentTypes = map[string]domain.Format{
	"application/x-fastq":    domain.FormatReads,
	"text/x-fastq":           domain.FormatReads,
	"chemical/seq-na-fastq":  domain.FormatReads,
	"application/x-sam":      domain.FormatAlignments,
	"text/x-sam":             domain.FormatAlignments,
	"application/x-bam":      domain.FormatAlignments,
	"application/x-vcf":      domain.FormatVariants,
	"text/x-vcf":             domain.FormatVariants,
	"text/vcf":               domain.FormatVariants,
	"application/x-bgzf-vcf": domain.FormatVariants,
}

var suffixes = map[string]domain.Format{
	".fastq": domain.FormatReads,
	".fq":    domain.FormatReads,
	".sam":   domain.FormatAlignments,
	".bam":   domain.FormatAlignments,
	".vcf":   domain.FormatVariants,
}

var compressionSuffixes = []string{".gz", ".bgz", ".gzip"}

// DetectFormat maps a content-type hint and a file name to a format. The
// hint wins when it is specific; otherwise the name suffix decides, ignoring
// a trailing compression suffix.
func DetectFormat(contentType, fileName string) (domain.Format, error) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if f, ok := contentTypes[mediaType]; ok {
		return f, nil
	}

	name := strings.ToLower(path.Base(fileName))
	for _, suffix := range compressionSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	if f, ok := suffixes[path.Ext(name)]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: content type %q, file %q", domain.ErrUnsupportedFormat, contentType, fileName)
}

// Registry holds one validator per format.
type Registry struct {
	validators map[domain.Format]Validator
}

// NewRegistry builds a registry from vs, or from the built-in validators
// when vs is empty.
func NewRegistry(vs ...Validator) *Registry {
	if len(vs) == 0 {
		vs = []Validator{NewFASTQ(), NewAlignment(), NewVCF()}
	}
	r := &Registry{validators: make(map[domain.Format]Validator, len(vs))}
	for _, v := range vs {
		r.validators[v.Format()] = v
	}
	return r
}

// Select returns the validator for the object described by ref.
func (r *Registry) Select(ref BlobRef) (Validator, error) {
	format, err := DetectFormat(ref.ContentType, ref.FileName)
	if err != nil {
		return nil, err
	}
	v, ok := r.validators[format]
	if !ok {
		return nil, fmt.Errorf("%w: no validator for %s", domain.ErrUnsupportedFormat, format)
	}
	return v, nil
}

// parseFunc walks an opened sample. capped reports that the record ceiling
// stopped the walk before the end of the sample.
type parseFunc func(ctx context.Context, s *sample, limits Limits) (metrics map[string]float64, capped bool, err error)

// run opens the sample, applies parse and shapes the outcome into a result.
func run(ctx context.Context, format domain.Format, src RangeReader, ref BlobRef, limits Limits, parse parseFunc) (*domain.ValidationResult, error) {
	s, err := openSample(ctx, src, ref, limits)
	if err != nil {
		if domain.IsValidationOutcome(err) {
			return &domain.ValidationResult{
				Format: format,
				Mode:   limits.Mode(),
				Errors: []string{err.Error()},
			}, err
		}
		return nil, err
	}
	defer s.Close()

	metrics, capped, err := parse(ctx, s, limits)
	if err != nil && !domain.IsValidationOutcome(err) {
		return nil, err
	}

	res := &domain.ValidationResult{
		Format:      format,
		Compression: s.compression,
		Mode:        limits.Mode(),
		IsValid:     err == nil,
		Sampled:     s.windowed || capped,
		Metrics:     metrics,
		BytesRead:   s.counter.n,
	}
	if err != nil {
		res.Errors = []string{err.Error()}
	}
	return res, err
}

// ceilingReached reports whether n records exhaust the record limit.
func ceilingReached(limits Limits, n int) bool {
	return limits.MaxRecords > 0 && n >= limits.MaxRecords
}

// checkCancel polls ctx every 1024 records.
func checkCancel(ctx context.Context, n int) error {
	if n%1024 == 0 {
		return ctx.Err()
	}
	return nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
