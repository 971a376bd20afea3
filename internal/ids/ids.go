// Package ids mints entity identifiers and one-time secrets.
package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/oklog/ulid/v2"
)

// TokenBytes is the entropy of a one-time token before hex encoding.
const TokenBytes = 32

// New returns a ULID. Ids minted by one process sort in creation order.
func New() string {
	return ulid.Make().String()
}

// NewToken returns TokenBytes of crypto/rand entropy, hex encoded.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
