package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-char hex ID, used for archived photo keys and analysis
// history rows.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
