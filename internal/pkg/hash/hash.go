// Package hash provides hashing utilities.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SHA256 computes the SHA256 hash of data and returns it as a hex string.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256String computes the SHA256 hash of a string.
func SHA256String(s string) string {
	return SHA256([]byte(s))
}

// CorpusFingerprint identifies an ordered corpus path list.
// Order matters: the seeded document list mirrors config order.
func CorpusFingerprint(paths []string) string {
	return SHA256String(strings.Join(paths, "\x00"))
}
