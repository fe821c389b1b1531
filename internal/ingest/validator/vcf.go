package validator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
)

const (
	vcfFileFormatPrefix = "##fileformat=VCFv4"
	vcfFixedColumns     = 8
)

var (
	vcfHeaderColumns = []string{"#CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO"}
	refBases         = byteSet("ACGTNacgtn")
	altBases         = byteSet("ACGTNacgtn*")
)

type vcfValidator struct{}

// NewVCF validates VCF 4.x variant calls.
func NewVCF() Validator { return vcfValidator{} }

func (vcfValidator) Format() domain.Format { return domain.FormatVariants }

func (v vcfValidator) Validate(ctx context.Context, src RangeReader, ref BlobRef, limits Limits) (*domain.ValidationResult, error) {
	return run(ctx, v.Format(), src, ref, limits, parseVCF)
}

type vcfStats struct {
	metaLines   int
	samples     int
	records     int
	snvs        int
	indels      int
	chromosomes map[string]struct{}
}

func (st *vcfStats) metrics() map[string]float64 {
	return map[string]float64{
		"meta_lines":  float64(st.metaLines),
		"samples":     float64(st.samples),
		"records":     float64(st.records),
		"snvs":        float64(st.snvs),
		"indels":      float64(st.indels),
		"chromosomes": float64(len(st.chromosomes)),
	}
}

func parseVCF(ctx context.Context, s *sample, limits Limits) (map[string]float64, bool, error) {
	st := vcfStats{chromosomes: make(map[string]struct{})}
	columns := 0

	for {
		if ceilingReached(limits, st.records) {
			return st.metrics(), s.more(), nil
		}
		if err := checkCancel(ctx, st.records); err != nil {
			return nil, false, err
		}

		line, ok, err := s.nextLine()
		if err != nil {
			return st.metrics(), false, err
		}
		if !ok {
			break
		}

		switch {
		case s.line == 1:
			if !strings.HasPrefix(line, vcfFileFormatPrefix) {
				return st.metrics(), false, s.corruptf("first line must declare %s.x", strings.TrimPrefix(vcfFileFormatPrefix, "##fileformat="))
			}
			st.metaLines++
		case strings.HasPrefix(line, "##"):
			if columns > 0 {
				return st.metrics(), false, s.corruptf("meta line after the column header")
			}
			st.metaLines++
		case strings.HasPrefix(line, "#"):
			if columns > 0 {
				return st.metrics(), false, s.corruptf("duplicate column header")
			}
			n, err := checkVCFHeader(line)
			if err != nil {
				return st.metrics(), false, s.corruptf("%v", err)
			}
			columns = n
			if n > vcfFixedColumns+1 {
				st.samples = n - vcfFixedColumns - 1
			}
		case line == "":
			continue
		default:
			if columns == 0 {
				return st.metrics(), false, s.corruptf("data line before the #CHROM header")
			}
			if err := st.addRecord(line, columns); err != nil {
				return st.metrics(), false, s.corruptf("%v", err)
			}
		}
	}

	if columns == 0 && !s.windowed {
		return st.metrics(), false, s.corruptf("missing #CHROM header")
	}
	if st.records == 0 {
		if s.windowed {
			// The meta lines outgrew the window.
			return st.metrics(), false, nil
		}
		return st.metrics(), false, fmt.Errorf("%w: no variant records", domain.ErrEmptyFile)
	}
	return st.metrics(), false, nil
}

func checkVCFHeader(line string) (int, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < vcfFixedColumns {
		return 0, fmt.Errorf("column header has %d columns, want at least %d", len(cols), vcfFixedColumns)
	}
	for i, want := range vcfHeaderColumns {
		if cols[i] != want {
			return 0, fmt.Errorf("column %d is %q, want %q", i+1, cols[i], want)
		}
	}
	if len(cols) > vcfFixedColumns && cols[vcfFixedColumns] != "FORMAT" {
		return 0, fmt.Errorf("column 9 is %q, want FORMAT", cols[vcfFixedColumns])
	}
	return len(cols), nil
}

func (st *vcfStats) addRecord(line string, columns int) error {
	fields := strings.Split(line, "\t")
	if len(fields) != columns {
		return fmt.Errorf("record has %d columns, header declares %d", len(fields), columns)
	}
	if fields[0] == "" {
		return fmt.Errorf("empty CHROM")
	}
	pos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || pos <= 0 {
		return fmt.Errorf("invalid POS %q", fields[1])
	}
	ref := fields[3]
	if ref == "" {
		return fmt.Errorf("empty REF")
	}
	for i := 0; i < len(ref); i++ {
		if !refBases[ref[i]] {
			return fmt.Errorf("invalid REF %q", ref)
		}
	}
	if q := fields[5]; q != "." {
		v, err := strconv.ParseFloat(q, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid QUAL %q", q)
		}
	}

	snv, indel, err := classifyAlleles(ref, fields[4])
	if err != nil {
		return err
	}
	st.records++
	st.chromosomes[fields[0]] = struct{}{}
	if snv {
		st.snvs++
	}
	if indel {
		st.indels++
	}
	return nil
}

// classifyAlleles checks ALT and reports whether the record carries a
// single-base substitution and whether it carries a length change.
func classifyAlleles(ref, alt string) (snv, indel bool, err error) {
	if alt == "." {
		return false, false, nil
	}
	for _, allele := range strings.Split(alt, ",") {
		switch {
		case allele == "":
			return false, false, fmt.Errorf("empty ALT allele in %q", alt)
		case allele[0] == '<' && allele[len(allele)-1] == '>':
			continue
		case strings.ContainsAny(allele, "[]"):
			continue
		}
		for i := 0; i < len(allele); i++ {
			if !altBases[allele[i]] {
				return false, false, fmt.Errorf("invalid ALT allele %q", allele)
			}
		}
		switch {
		case allele == "*":
		case len(allele) == 1 && len(ref) == 1:
			snv = true
		case len(allele) != len(ref):
			indel = true
		}
	}
	return snv, indel, nil
}
