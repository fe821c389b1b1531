package validator

import (
	"context"
	"fmt"
	"math"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
)

// nucleotides is the IUPAC alphabet accepted in sequence lines.
var nucleotides = byteSet("ACGTNURYKMSWBDHVacgtnurykmswbdhv.")

func byteSet(chars string) [256]bool {
	var set [256]bool
	for i := 0; i < len(chars); i++ {
		set[chars[i]] = true
	}
	return set
}

type fastqValidator struct{}

// NewFASTQ validates sequencing reads in four-line FASTQ records.
func NewFASTQ() Validator { return fastqValidator{} }

func (fastqValidator) Format() domain.Format { return domain.FormatReads }

func (v fastqValidator) Validate(ctx context.Context, src RangeReader, ref BlobRef, limits Limits) (*domain.ValidationResult, error) {
	return run(ctx, v.Format(), src, ref, limits, parseFASTQ)
}

type fastqStats struct {
	records int
	bases   int64
	minLen  int
	maxLen  int
	gc      int64
	qualSum int64
}

func (st *fastqStats) add(seq, qual string) {
	n := len(seq)
	if st.records == 0 || n < st.minLen {
		st.minLen = n
	}
	if n > st.maxLen {
		st.maxLen = n
	}
	st.records++
	st.bases += int64(n)
	for i := 0; i < n; i++ {
		switch seq[i] {
		case 'G', 'C', 'g', 'c', 'S', 's':
			st.gc++
		}
		st.qualSum += int64(qual[i]) - 33
	}
}

func (st *fastqStats) metrics() map[string]float64 {
	return map[string]float64{
		"records":      float64(st.records),
		"bases":        float64(st.bases),
		"min_length":   float64(st.minLen),
		"max_length":   float64(st.maxLen),
		"mean_length":  ratio(float64(st.bases), float64(st.records)),
		"gc_fraction":  math.Round(ratio(float64(st.gc), float64(st.bases))*1e4) / 1e4,
		"mean_quality": math.Round(ratio(float64(st.qualSum), float64(st.bases))*100) / 100,
	}
}

func parseFASTQ(ctx context.Context, s *sample, limits Limits) (map[string]float64, bool, error) {
	var st fastqStats
	for {
		if ceilingReached(limits, st.records) {
			return st.metrics(), s.more(), nil
		}
		if err := checkCancel(ctx, st.records); err != nil {
			return nil, false, err
		}

		header, ok, err := s.nextLine()
		if err != nil {
			return st.metrics(), false, err
		}
		if !ok {
			break
		}
		if header == "" {
			continue
		}
		if header[0] != '@' || len(header) == 1 {
			return st.metrics(), false, s.corruptf("record header must start with '@' and carry an id")
		}

		var lines [3]string
		complete := true
		for i := range lines {
			line, ok, err := s.nextLine()
			if err != nil {
				return st.metrics(), false, err
			}
			if !ok {
				complete = false
				break
			}
			lines[i] = line
		}
		if !complete {
			if s.windowed {
				break
			}
			return st.metrics(), false, s.corruptf("truncated record %q", header)
		}

		seq, plus, qual := lines[0], lines[1], lines[2]
		if err := checkFASTQRecord(seq, plus, qual); err != nil {
			return st.metrics(), false, s.corruptf("record %q: %v", header, err)
		}
		st.add(seq, qual)
	}

	if st.records == 0 {
		if s.windowed {
			// The first read is longer than the window.
			return st.metrics(), false, nil
		}
		return st.metrics(), false, fmt.Errorf("%w: no reads", domain.ErrEmptyFile)
	}
	return st.metrics(), false, nil
}

func checkFASTQRecord(seq, plus, qual string) error {
	if seq == "" {
		return fmt.Errorf("empty sequence")
	}
	for i := 0; i < len(seq); i++ {
		if !nucleotides[seq[i]] {
			return fmt.Errorf("invalid base %q at position %d", seq[i], i+1)
		}
	}
	if plus == "" || plus[0] != '+' {
		return fmt.Errorf("separator line must start with '+'")
	}
	if len(qual) != len(seq) {
		return fmt.Errorf("quality length %d does not match sequence length %d", len(qual), len(seq))
	}
	for i := 0; i < len(qual); i++ {
		if qual[i] < '!' || qual[i] > '~' {
			return fmt.Errorf("quality score out of range at position %d", i+1)
		}
	}
	return nil
}
