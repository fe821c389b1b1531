package service

import (
	"fmt"
	"strings"
)

// partsRootPrefix is reserved for part blobs; target keys may not use it.
const partsRootPrefix = "_parts/"

// partsPrefix is the blob prefix holding every part of a session.
func partsPrefix(sessionID string) string {
	return partsRootPrefix + sessionID + "/"
}

// partBlobKey embeds the digest so concurrent writers of one index never
// share an object.
func partBlobKey(sessionID string, index int, digest string) string {
	value := digest
	if i := strings.IndexByte(value, ':'); i >= 0 {
		value = value[i+1:]
	}
	if len(value) > 16 {
		value = value[:16]
	}
	return fmt.Sprintf("%s%06d-%s", partsPrefix(sessionID), index, value)
}

func validateDedupeKey(sessionID string) string { return "validate:" + sessionID }

func notifyDedupeKey(sessionID string) string { return "notify:" + sessionID }

func cleanupDedupeKey(sessionID, scope string) string {
	return "cleanup:" + scope + ":" + sessionID
}
