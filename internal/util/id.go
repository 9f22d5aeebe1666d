package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a 24-char hex record id.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewRequestID returns a random UUIDv4 string used for request correlation.
func NewRequestID() string {
	return uuid.NewString()
}
