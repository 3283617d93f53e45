// Package sha256 provides content fingerprinting for fetched documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 digest of data. Downstream consumers use it
// to detect unchanged page content across crawls.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
