// Package idgen mints the prefixed identifiers used across the schema
// ("biz_", "dep_", "job_").
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 random hex characters.
// crypto/rand exhaustion is unrecoverable, so it panics.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
