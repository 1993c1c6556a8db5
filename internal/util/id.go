// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idRandomBytes = 16

// NewID returns a random identifier like "sc_3f2a..." with 32 hex characters
// of entropy. An empty prefix yields the bare hex string.
func NewID(prefix string) string {
	b := make([]byte, idRandomBytes)
	_, _ = rand.Read(b)
	if prefix == "" {
		return hex.EncodeToString(b)
	}
	return prefix + "_" + hex.EncodeToString(b)
}
