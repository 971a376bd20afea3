package auth

import (
	"time"

	"cooperp.org/internal/tenant"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 2 * time.Hour
)

// LockState is the per-account lockout counter.
type LockState struct {
	Attempts    int
	LockedUntil *time.Time
}

// LockoutPolicy locks an account for Window after Threshold consecutive
// failures. Expiry is evaluated lazily on the next attempt.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Window: DefaultLockoutWindow}
}

// ForTenant applies a tenant override on top of p.
func (p LockoutPolicy) ForTenant(s tenant.SecuritySettings) LockoutPolicy {
	if s.Lockout == nil {
		return p
	}
	if s.Lockout.Threshold > 0 {
		p.Threshold = s.Lockout.Threshold
	}
	if s.Lockout.WindowMinutes > 0 {
		p.Window = time.Duration(s.Lockout.WindowMinutes) * time.Minute
	}
	return p
}

// IsLocked reports whether s blocks logins at now.
func (s LockState) IsLocked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// Next returns the state after one more failed attempt at now. A failure
// after a lock has lapsed starts a new count.
func (p LockoutPolicy) Next(s LockState, now time.Time) LockState {
	if s.LockedUntil != nil && !now.Before(*s.LockedUntil) {
		s = LockState{}
	}
	s.Attempts++
	if s.Attempts >= p.threshold() && s.LockedUntil == nil {
		until := now.Add(p.window())
		s.LockedUntil = &until
	}
	return s
}

// JustLocked reports whether the transition from prev to next engaged a lock.
func JustLocked(prev, next LockState) bool {
	return next.LockedUntil != nil && (prev.LockedUntil == nil || !prev.LockedUntil.Equal(*next.LockedUntil))
}

func (p LockoutPolicy) threshold() int {
	if p.Threshold <= 0 {
		return DefaultLockoutThreshold
	}
	return p.Threshold
}

func (p LockoutPolicy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultLockoutWindow
	}
	return p.Window
}
