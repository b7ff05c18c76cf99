package upstream

import (
	"crypto/rand"
	"encoding/hex"
)

// generateCT0 produces a random 32-byte hex string usable as a ct0 CSRF
// cookie when the upstream has not set one yet.
func generateCT0() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000000000000000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}
