package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"cooperp.org/internal/ids"
)

const (
	DefaultResetTokenTTL  = 10 * time.Minute
	DefaultVerifyTokenTTL = 24 * time.Hour
)

// OneTimeToken is a freshly issued token. Plain goes to the user; only Digest
// is persisted.
type OneTimeToken struct {
	Plain     string
	Digest    string
	ExpiresAt time.Time
}

func newOneTimeToken(now time.Time, ttl time.Duration) (OneTimeToken, error) {
	plain, err := ids.NewToken()
	if err != nil {
		return OneTimeToken{}, err
	}
	return OneTimeToken{Plain: plain, Digest: TokenDigest(plain), ExpiresAt: now.Add(ttl)}, nil
}

// TokenDigest is the stored form of a one-time token.
func TokenDigest(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
