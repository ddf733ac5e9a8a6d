// Package limiter throttles repeated failed logins per (account key, client address).
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, key string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, key string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, key string, ipHash []byte) (bool, time.Duration, error)
}

// Key builds the limiter key for a login claimed under an account class.
func Key(class, login string) string { return class + ":" + login }

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Nop never limits. Used when the credential store has no limiter table.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error                      { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
