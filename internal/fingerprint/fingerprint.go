// Package fingerprint hashes canonical keys into storage uniqueness keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Algorithm names the hash used for fingerprints. Every producer and
// consumer of stored fingerprints must agree on it.
const Algorithm = "sha256"

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Hash returns the lowercase hex SHA-256 of the UTF-8 bytes of key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashKey maps an optional canonical key to an optional fingerprint.
func HashKey(key *string) *string {
	if key == nil {
		return nil
	}
	fp := Hash(*key)
	return &fp
}
