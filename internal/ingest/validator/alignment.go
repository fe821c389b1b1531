package validator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
)

const (
	bamMagic        = "BAM\x01"
	bamFixedFields  = 32
	maxBAMBlockSize = 64 * 1024 * 1024
	flagUnmapped    = 0x4
	mapqUnavailable = 255
)

type alignmentValidator struct{}

// NewAlignment validates SAM text and BAM binary alignments. BAM is
// recognised by its magic after decompression.
func NewAlignment() Validator { return alignmentValidator{} }

func (alignmentValidator) Format() domain.Format { return domain.FormatAlignments }

func (v alignmentValidator) Validate(ctx context.Context, src RangeReader, ref BlobRef, limits Limits) (*domain.ValidationResult, error) {
	return run(ctx, v.Format(), src, ref, limits, parseAlignments)
}

func parseAlignments(ctx context.Context, s *sample, limits Limits) (map[string]float64, bool, error) {
	if magic, err := s.br.Peek(len(bamMagic)); err == nil && string(magic) == bamMagic {
		return parseBAM(ctx, s, limits)
	}
	return parseSAM(ctx, s, limits)
}

type alignmentStats struct {
	headerLines int
	references  int
	records     int
	mapped      int
	unmapped    int
	mapqSum     int64
	mapqCount   int
	binary      bool
}

func (st *alignmentStats) add(flag uint16, mapq uint8) {
	st.records++
	if flag&flagUnmapped != 0 {
		st.unmapped++
		return
	}
	st.mapped++
	if mapq != mapqUnavailable {
		st.mapqSum += int64(mapq)
		st.mapqCount++
	}
}

func (st *alignmentStats) metrics() map[string]float64 {
	m := map[string]float64{
		"header_lines": float64(st.headerLines),
		"references":   float64(st.references),
		"records":      float64(st.records),
		"mapped":       float64(st.mapped),
		"unmapped":     float64(st.unmapped),
		"mean_mapq":    math.Round(ratio(float64(st.mapqSum), float64(st.mapqCount))*100) / 100,
	}
	if st.binary {
		m["binary"] = 1
	}
	return m
}

// empty judges a stream without records. When the sample window ended
// first, the header may simply outgrow it, so there is nothing to reject.
func (st *alignmentStats) empty(s *sample) error {
	if s.windowed {
		return nil
	}
	return fmt.Errorf("%w: no alignment records", domain.ErrEmptyFile)
}

func parseSAM(ctx context.Context, s *sample, limits Limits) (map[string]float64, bool, error) {
	var st alignmentStats
	inHeader := true
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
		if line == "" {
			continue
		}

		if line[0] == '@' {
			if !inHeader {
				return st.metrics(), false, s.corruptf("header line after alignment records")
			}
			if len(line) < 3 || (len(line) > 3 && line[3] != '\t') {
				return st.metrics(), false, s.corruptf("malformed header line")
			}
			st.headerLines++
			if strings.HasPrefix(line, "@SQ\t") {
				st.references++
			}
			continue
		}
		inHeader = false

		flag, mapq, err := checkSAMRecord(line)
		if err != nil {
			return st.metrics(), false, s.corruptf("%v", err)
		}
		st.add(flag, mapq)
	}

	if st.records == 0 {
		return st.metrics(), false, st.empty(s)
	}
	return st.metrics(), false, nil
}

func checkSAMRecord(line string) (uint16, uint8, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 11 {
		return 0, 0, fmt.Errorf("expected at least 11 fields, got %d", len(fields))
	}
	if fields[0] == "" || fields[2] == "" {
		return 0, 0, fmt.Errorf("empty QNAME or RNAME")
	}
	flag, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid FLAG %q", fields[1])
	}
	pos, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil || pos < 0 {
		return 0, 0, fmt.Errorf("invalid POS %q", fields[3])
	}
	mapq, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid MAPQ %q", fields[4])
	}
	seq, qual := fields[9], fields[10]
	if seq != "*" && qual != "*" && len(seq) != len(qual) {
		return 0, 0, fmt.Errorf("QUAL length %d does not match SEQ length %d", len(qual), len(seq))
	}
	return uint16(flag), uint8(mapq), nil
}

func parseBAM(ctx context.Context, s *sample, limits Limits) (map[string]float64, bool, error) {
	st := alignmentStats{binary: true}
	if _, err := s.br.Discard(len(bamMagic)); err != nil {
		return nil, false, err
	}

	text, err := readBAMBytes(s.br)
	if err != nil {
		return bamHeaderEnd(s, &st, err, "header text")
	}
	for _, line := range bytes.Split(text, []byte{'\n'}) {
		if len(line) > 0 && line[0] == '@' {
			st.headerLines++
		}
	}

	nRef, err := readBAMInt32(s.br)
	if err != nil {
		return bamHeaderEnd(s, &st, err, "reference count")
	}
	if nRef < 0 {
		return nil, false, bamCorruptf("negative reference count %d", nRef)
	}
	for i := int32(0); i < nRef; i++ {
		if _, err := readBAMBytes(s.br); err != nil {
			return bamHeaderEnd(s, &st, err, "reference name")
		}
		length, err := readBAMInt32(s.br)
		if err != nil {
			return bamHeaderEnd(s, &st, err, "reference length")
		}
		if length < 0 {
			return nil, false, bamCorruptf("reference %d has negative length", i)
		}
		st.references++
	}

	var sizeBuf [4]byte
	block := make([]byte, 0, 1024)
	for {
		if ceilingReached(limits, st.records) {
			return st.metrics(), s.more(), nil
		}
		if err := checkCancel(ctx, st.records); err != nil {
			return nil, false, err
		}

		if _, err := io.ReadFull(s.br, sizeBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) && s.windowed {
				break
			}
			return st.metrics(), false, bamReadErr(err, st.records+1)
		}
		size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
		if size < bamFixedFields || size > maxBAMBlockSize {
			return st.metrics(), false, bamCorruptf("record %d: block size %d out of range", st.records+1, size)
		}

		if cap(block) < int(size) {
			block = make([]byte, size)
		}
		block = block[:size]
		if _, err := io.ReadFull(s.br, block); err != nil {
			if (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) && s.windowed {
				break
			}
			return st.metrics(), false, bamReadErr(err, st.records+1)
		}

		flag, mapq, err := checkBAMRecord(block, nRef)
		if err != nil {
			return st.metrics(), false, bamCorruptf("record %d: %v", st.records+1, err)
		}
		st.add(flag, mapq)
	}

	if st.records == 0 {
		return st.metrics(), false, st.empty(s)
	}
	return st.metrics(), false, nil
}

func checkBAMRecord(b []byte, nRef int32) (uint16, uint8, error) {
	le := binary.LittleEndian
	refID := int32(le.Uint32(b[0:4]))
	pos := int32(le.Uint32(b[4:8]))
	lReadName := int(b[8])
	mapq := b[9]
	nCigar := int(le.Uint16(b[12:14]))
	flag := le.Uint16(b[14:16])
	lSeq := int32(le.Uint32(b[16:20]))
	nextRefID := int32(le.Uint32(b[20:24]))

	if refID < -1 || refID >= nRef {
		return 0, 0, fmt.Errorf("reference id %d out of range", refID)
	}
	if nextRefID < -1 || nextRefID >= nRef {
		return 0, 0, fmt.Errorf("mate reference id %d out of range", nextRefID)
	}
	if pos < -1 {
		return 0, 0, fmt.Errorf("invalid position %d", pos)
	}
	if lReadName < 1 || lSeq < 0 {
		return 0, 0, fmt.Errorf("invalid read name or sequence length")
	}
	need := bamFixedFields + lReadName + 4*nCigar + int(lSeq+1)/2 + int(lSeq)
	if need > len(b) {
		return 0, 0, fmt.Errorf("fields need %d bytes, block has %d", need, len(b))
	}
	if b[bamFixedFields+lReadName-1] != 0 {
		return 0, 0, fmt.Errorf("read name is not NUL terminated")
	}
	return flag, mapq, nil
}

func readBAMInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// readBAMBytes reads a length-prefixed field.
func readBAMBytes(r io.Reader) ([]byte, error) {
	n, err := readBAMInt32(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxBAMBlockSize {
		return nil, bamCorruptf("field length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// bamHeaderEnd settles a header read that stopped early. A sample window
// ending inside the header is a sampled pass with no records.
func bamHeaderEnd(s *sample, st *alignmentStats, err error, what string) (map[string]float64, bool, error) {
	if s.windowed && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return st.metrics(), false, nil
	}
	return st.metrics(), false, bamHeaderErr(err, what)
}

func bamCorruptf(format string, args ...any) error {
	return fmt.Errorf("%w: bam: %s", domain.ErrCorruptStream, fmt.Sprintf(format, args...))
}

func bamHeaderErr(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return bamCorruptf("truncated %s", what)
	}
	return err
}

func bamReadErr(err error, record int) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return bamCorruptf("record %d truncated", record)
	}
	return err
}
