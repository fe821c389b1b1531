package validator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

const (
	readBufferSize = 64 * 1024
	// gzip fixed header plus the first extra subfield id.
	sniffSize = 14
)

// sample is a decompressed, possibly windowed view over an object.
type sample struct {
	body        io.ReadCloser
	counter     *countingReader
	br          *bufio.Reader
	compression domain.Compression

	// windowed is set when only a prefix of the object was requested, so
	// the stream may end in the middle of a record.
	windowed bool
	line     int
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// openSample range-reads the object prefix and unwraps gzip or BGZF.
func openSample(ctx context.Context, src RangeReader, ref BlobRef, limits Limits) (*sample, error) {
	rng := port.FullRange
	windowed := false
	if limits.MaxBytes > 0 && (ref.Size <= 0 || ref.Size > limits.MaxBytes) {
		rng = port.ByteRange{Offset: 0, Length: limits.MaxBytes}
		windowed = true
	}

	body, err := src.Get(ctx, ref.Key, rng)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref.Key, err)
	}

	counter := &countingReader{r: body}
	raw := bufio.NewReaderSize(counter, readBufferSize)
	head, err := raw.Peek(sniffSize)
	if len(head) == 0 {
		_ = body.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", ref.Key, err)
		}
		return nil, fmt.Errorf("%w: %s has no content", domain.ErrEmptyFile, ref.Key)
	}

	s := &sample{
		body:        body,
		counter:     counter,
		br:          raw,
		compression: sniffCompression(head),
		windowed:    windowed,
	}
	if s.compression == domain.CompressionNone {
		return s, nil
	}

	zr, err := gzip.NewReader(raw)
	if err != nil {
		_ = body.Close()
		if errors.Is(err, gzip.ErrHeader) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: gzip header: %v", domain.ErrCorruptStream, err)
		}
		return nil, fmt.Errorf("read %s: %w", ref.Key, err)
	}
	s.br = bufio.NewReaderSize(&inflateReader{r: zr, windowed: windowed}, readBufferSize)
	return s, nil
}

func sniffCompression(head []byte) domain.Compression {
	if len(head) < 2 || head[0] != 0x1f || head[1] != 0x8b {
		return domain.CompressionNone
	}
	const flagExtra = 0x04
	if len(head) >= sniffSize && head[3]&flagExtra != 0 && head[12] == 'B' && head[13] == 'C' {
		return domain.CompressionBGZF
	}
	return domain.CompressionGzip
}

// inflateReader classifies decompression errors. A member cut off by the
// sample window ends the stream instead of failing it.
type inflateReader struct {
	r        io.Reader
	windowed bool
}

func (z *inflateReader) Read(p []byte) (int, error) {
	n, err := z.r.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		if z.windowed {
			return n, io.EOF
		}
		return n, fmt.Errorf("%w: compressed stream truncated", domain.ErrCorruptStream)
	}
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) || errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) {
		return n, fmt.Errorf("%w: %v", domain.ErrCorruptStream, err)
	}
	return n, err
}

func (s *sample) Close() error {
	return s.body.Close()
}

// nextLine returns the next line without its terminator and false at the
// end of the sample. In a windowed sample the final unterminated line is
// dropped since the window may have split it.
func (s *sample) nextLine() (string, bool, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", false, err
		}
		if line == "" || s.windowed {
			return "", false, nil
		}
	}
	s.line++
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), true, nil
}

// more reports whether unread data remains.
func (s *sample) more() bool {
	_, err := s.br.Peek(1)
	return err == nil
}

func (s *sample) corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", domain.ErrCorruptStream, s.line, fmt.Sprintf(format, args...))
}
