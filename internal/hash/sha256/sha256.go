// Package sha256 derives stable document identifiers from article URLs.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. Two spellings of the same article URL
// that differ only in surrounding whitespace or a trailing #fragment hash to
// the same identifier.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 digest of the normalized URL.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(normalize(data))
	return hex.EncodeToString(sum[:]), nil
}

func normalize(data []byte) []byte {
	data = bytes.TrimSpace(data)
	if i := bytes.IndexByte(data, '#'); i >= 0 {
		data = data[:i]
	}
	return data
}
