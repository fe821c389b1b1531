package integrity

import (
	"crypto/md5" // #nosec G501 -- md5 is accepted only as a client-declared content checksum
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"
)

// Algorithm names a supported content digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
	CRC32  Algorithm = "crc32"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
	ErrMalformedDigest  = errors.New("malformed digest")
	ErrMismatch         = errors.New("digest mismatch")
)

// hexLen is the encoded length of each algorithm's sum.
var hexLen = map[Algorithm]int{
	SHA256: sha256.Size * 2,
	MD5:    md5.Size * 2,
	CRC32:  crc32.Size * 2,
}

// Digest is an algorithm-tagged, lowercase hex content digest.
type Digest struct {
	Algorithm Algorithm
	Value     string
}

// String renders the digest as "algo:hex".
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Value
}

func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Value == ""
}

func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && d.Value == other.Value
}

// Parse accepts "algo:hex" or a bare hex value whose length identifies the
// algorithm (64 sha256, 32 md5, 8 crc32).
func Parse(raw string) (Digest, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Digest{}, fmt.Errorf("%w: empty", ErrMalformedDigest)
	}

	var algo Algorithm
	value := s
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		algo = Algorithm(s[:idx])
		value = s[idx+1:]
		if _, ok := hexLen[algo]; !ok {
			return Digest{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
		}
	} else {
		for a, n := range hexLen {
			if len(value) == n {
				algo = a
				break
			}
		}
		if algo == "" {
			return Digest{}, fmt.Errorf("%w: cannot infer algorithm from %d hex chars", ErrMalformedDigest, len(value))
		}
	}

	if len(value) != hexLen[algo] {
		return Digest{}, fmt.Errorf("%w: %s expects %d hex chars, got %d", ErrMalformedDigest, algo, hexLen[algo], len(value))
	}
	if _, err := hex.DecodeString(value); err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	return Digest{Algorithm: algo, Value: value}, nil
}

// NewHash returns a fresh hash for the algorithm.
func NewHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil // #nosec G401
	case CRC32:
		return crc32.NewIEEE(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// Sum computes the digest of data.
func Sum(algo Algorithm, data []byte) (Digest, error) {
	h, err := NewHash(algo)
	if err != nil {
		return Digest{}, err
	}
	_, _ = h.Write(data)
	return Digest{Algorithm: algo, Value: hex.EncodeToString(h.Sum(nil))}, nil
}

// Verify recomputes the digest of data with the expected algorithm and
// returns the computed value. It fails with ErrMismatch when they differ.
func Verify(data []byte, expected Digest) (Digest, error) {
	got, err := Sum(expected.Algorithm, data)
	if err != nil {
		return Digest{}, err
	}
	if !got.Equal(expected) {
		return got, fmt.Errorf("%w: expected %s, computed %s", ErrMismatch, expected, got)
	}
	return got, nil
}
