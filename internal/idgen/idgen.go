// Package idgen generates random identifiers for domain entities.
//
// Every entity id carries a short type prefix (agt_, lst_, txn_, esc_,
// wh_, whd_, act_, led_) followed by 24 hex characters, so an id is
// self-describing in logs and API payloads.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 12

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform RNG is broken;
		// continuing would hand out colliding ids.
		panic("idgen: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix + 24 random hex characters.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(idBytes))
}

// Hex returns a bare random hex string of numBytes bytes, used for
// secrets and raw key material rather than entity ids.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}
