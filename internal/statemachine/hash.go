package statemachine

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex-encoded SHA-256 digest of s, the same
// construction the teacher uses for content fingerprints (internal/crypto's
// Hash256), reused here for idempotency-key derivation.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
