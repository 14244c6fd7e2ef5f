package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns a stable hex digest used for cache keys.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ShortHash is HashString truncated to n characters.
func ShortHash(input string, n int) string {
	h := HashString(input)
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}
