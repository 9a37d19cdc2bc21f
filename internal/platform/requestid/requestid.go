// Package requestid generates opaque request identifiers for the HTTP
// access log and the X-Request-Id response header.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a fresh 32-character hex identifier.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
