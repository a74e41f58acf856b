// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Transaction generates a transaction ID ("tx_" + 32 hex chars).
func Transaction() string {
	return WithPrefix("tx_")
}

// WithPrefix generates a random ID with a prefix (e.g. "tx_", "le_").
// Result is prefix + 32 hex chars (16 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
