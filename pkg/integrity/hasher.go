package integrity

import (
	"encoding/hex"
	"hash"
)

// Hasher computes several digests over one stream in a single pass.
type Hasher struct {
	hashes map[Algorithm]hash.Hash
	n      int64
}

// NewHasher always includes SHA256; extra algorithms are added on top.
func NewHasher(extra ...Algorithm) (*Hasher, error) {
	h := &Hasher{hashes: make(map[Algorithm]hash.Hash, len(extra)+1)}
	for _, algo := range append([]Algorithm{SHA256}, extra...) {
		if _, ok := h.hashes[algo]; ok {
			continue
		}
		hh, err := NewHash(algo)
		if err != nil {
			return nil, err
		}
		h.hashes[algo] = hh
	}
	return h, nil
}

func (h *Hasher) Write(p []byte) (int, error) {
	for _, hh := range h.hashes {
		_, _ = hh.Write(p)
	}
	h.n += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes hashed so far.
func (h *Hasher) Size() int64 {
	return h.n
}

// Digest returns the current sum for algo, or a zero Digest when algo was not requested.
func (h *Hasher) Digest(algo Algorithm) Digest {
	hh, ok := h.hashes[algo]
	if !ok {
		return Digest{}
	}
	return Digest{Algorithm: algo, Value: hex.EncodeToString(hh.Sum(nil))}
}
