// Package idgen generates the service's entity identifiers.
//
// IDs are "<prefix>_<24 hex chars>" (96 random bits), e.g. esc_3f2a…,
// dsp_…, whk_…. The prefix makes IDs self-describing in logs and support
// tickets; the random part comes from crypto/rand so IDs are unguessable.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns "<prefix>_" followed by 24 hex characters.
func WithPrefix(prefix string) string {
	return prefix + "_" + Hex(12)
}

// Hex returns 2*numBytes random hex characters.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process has no usable entropy
		// source; nothing sensible can continue.
		panic("idgen: " + err.Error())
	}
	return hex.EncodeToString(b)
}
