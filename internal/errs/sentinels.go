// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates a request that fails validation (email, name, password policy).
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCredentials is the single login failure, regardless of whether the identity exists.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken indicates a malformed token, bad signature, wrong type, or issuer/audience mismatch.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates a token found in the revocation store.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrUnauthorized indicates a valid token whose role does not satisfy the requirement.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrConfiguration indicates missing or invalid startup configuration. Fatal.
	ErrConfiguration = errors.New("configuration error")
)

// RateLimitedError carries a retry-after hint. errors.Is(err, ErrRateLimited) holds for it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// Unwrap links the error to ErrRateLimited.
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the retry-after hint from err, or 0 if none is attached.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsAuthFailure reports whether err is one of the failures presented to callers
// as a generic "could not validate credentials".
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrInvalidCredentials)
}
