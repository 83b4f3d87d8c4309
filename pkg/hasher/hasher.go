// Package hasher content-addresses raw documents.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString hashes the UTF-8 bytes of s.
func SumString(s string) string {
	return Sum([]byte(s))
}
