package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// Root computes the Merkle root over ordered leaf hashes.
// Levels are built bottom-up; an odd node at the end of a level is promoted
// unchanged. A single leaf is its own root and no leaves yield "".
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// hashPair hashes two child hashes together.
func hashPair(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}
