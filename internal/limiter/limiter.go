// Package limiter defines interfaces and implementations for failed-login rate limiting.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Defaults applied when a limiter is constructed with zero values.
const (
	DefaultMaxFails = 5
	DefaultWindow   = 15 * time.Minute
)

// Limiter controls verification attempts and temporary lockouts per identity.
type Limiter interface {
	// Allow reports whether a verification is currently allowed and optional retry-after.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Success resets counters after a successful verification.
	Success(ctx context.Context, key string) error
	// Failure records a failed attempt; reports whether the identity is now locked.
	Failure(ctx context.Context, key string) (bool, time.Duration, error)
}

// HashKey returns a stable hash of an identity so raw emails are not stored in the limiter.
func HashKey(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return h[:]
}
