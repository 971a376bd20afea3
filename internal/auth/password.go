package auth

import (
	"context"
	"errors"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const DefaultBcryptCost = 12

// Hasher hashes and verifies passwords with bcrypt. The number of hashes
// running at once is bounded so a burst of logins cannot starve other
// requests of CPU.
type Hasher struct {
	cost  int
	slots *semaphore.Weighted
	dummy []byte
}

// NewHasher returns a Hasher using cost, or DefaultBcryptCost when cost is
// outside bcrypt's range. concurrency <= 0 means GOMAXPROCS.
func NewHasher(cost, concurrency int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	h := &Hasher{cost: cost, slots: semaphore.NewWeighted(int64(concurrency))}
	// Compared against when the account does not exist so unknown emails
	// cost as much as wrong passwords.
	h.dummy, _ = bcrypt.GenerateFromPassword([]byte("cooperp-unknown-user"), cost)
	return h
}

// Hash hashes password. Waiting for a slot honours ctx; the hash itself does not.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.slots.Release(1)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. An empty hash is compared
// against a dummy so the call takes the same time.
func (h *Hasher) Verify(ctx context.Context, hash, password string) bool {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.slots.Release(1)
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
