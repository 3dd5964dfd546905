package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Checksum returns the hex-encoded SHA-256 digest of the canonical JSON
// serialization of value. encoding/json already serializes map keys in
// sorted order, which is sufficient canonicalization for bit-identical
// hashing of any two values that are themselves already decoded through
// encoding/json (see DESIGN.md for why no third-party canonicalizer is
// used).
func Checksum(value interface{}) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
