// Package crypto implements server-side password hashing and verification.
package crypto

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/limiter"
)

// DefaultCost is the bcrypt work factor used when none is configured.
const DefaultCost = 12

// bcrypt ignores input beyond 72 bytes; reject instead of silently truncating.
const maxPasswordBytes = 72

// Policy is the password complexity policy applied on Hash.
type Policy struct {
	MinLength      int
	RequireLetter  bool
	RequireDigit   bool
	RequireUpper   bool
	RequireLower   bool
	RequireSpecial bool
}

// DefaultPolicy requires 8 characters with at least one letter and one digit.
func DefaultPolicy() Policy {
	return Policy{MinLength: 8, RequireLetter: true, RequireDigit: true}
}

// StrictPolicy additionally requires upper, lower and special characters.
func StrictPolicy() Policy {
	p := DefaultPolicy()
	p.RequireUpper = true
	p.RequireLower = true
	p.RequireSpecial = true
	return p
}

// Check validates pw against the policy.
func (p Policy) Check(pw string) error {
	if len([]rune(pw)) < p.MinLength {
		return fmt.Errorf("%w: password must be at least %d characters", errs.ErrInvalidInput, p.MinLength)
	}
	var letter, digit, upper, lower, special bool
	for _, r := range pw {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLetter(r):
			letter = true
			upper = upper || unicode.IsUpper(r)
			lower = lower || unicode.IsLower(r)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	switch {
	case p.RequireLetter && !letter:
		return fmt.Errorf("%w: password must contain a letter", errs.ErrInvalidInput)
	case p.RequireDigit && !digit:
		return fmt.Errorf("%w: password must contain a digit", errs.ErrInvalidInput)
	case p.RequireUpper && !upper:
		return fmt.Errorf("%w: password must contain an uppercase letter", errs.ErrInvalidInput)
	case p.RequireLower && !lower:
		return fmt.Errorf("%w: password must contain a lowercase letter", errs.ErrInvalidInput)
	case p.RequireSpecial && !special:
		return fmt.Errorf("%w: password must contain a special character", errs.ErrInvalidInput)
	}
	return nil
}

// Options configure a PasswordManager.
type Options struct {
	Cost   int
	Policy Policy
	// Concurrency bounds simultaneous bcrypt computations; defaults to GOMAXPROCS.
	Concurrency int
	// Limiter throttles failed verifications per identity; nil disables throttling.
	Limiter limiter.Limiter
	Logger  *zap.Logger
	// ObserveHash receives the duration of every bcrypt computation.
	ObserveHash func(time.Duration)
}

// PasswordManager hashes and verifies passwords.
// It's safe to use concurrently from multiple goroutines.
type PasswordManager struct {
	cost    int
	policy  Policy
	sem     *semaphore.Weighted
	lim     limiter.Limiter
	log     *zap.Logger
	observe func(time.Duration)

	dummyMu sync.Mutex
	dummy   string
}

// NewPasswordManager validates options and constructs a PasswordManager.
func NewPasswordManager(o Options) (*PasswordManager, error) {
	if o.Cost == 0 {
		o.Cost = DefaultCost
	}
	if o.Cost < bcrypt.MinCost || o.Cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: bcrypt cost %d out of range [%d,%d]", errs.ErrConfiguration, o.Cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if o.Policy.MinLength <= 0 {
		o.Policy = DefaultPolicy()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ObserveHash == nil {
		o.ObserveHash = func(time.Duration) {}
	}
	return &PasswordManager{
		cost:    o.Cost,
		policy:  o.Policy,
		sem:     semaphore.NewWeighted(int64(o.Concurrency)),
		lim:     o.Limiter,
		log:     o.Logger,
		observe: o.ObserveHash,
	}, nil
}

// Cost returns the configured bcrypt cost.
func (m *PasswordManager) Cost() int { return m.cost }

// Hash validates the password against the policy and returns a salted bcrypt encoding.
// Two calls with the same input yield different encodings.
func (m *PasswordManager) Hash(ctx context.Context, plaintext string) (string, error) {
	if strings.TrimSpace(plaintext) == "" {
		return "", fmt.Errorf("%w: password cannot be empty", errs.ErrInvalidInput)
	}
	if len(plaintext) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password longer than %d bytes", errs.ErrInvalidInput, maxPasswordBytes)
	}
	if err := m.policy.Check(plaintext); err != nil {
		return "", err
	}
	return m.generate(ctx, plaintext)
}

func (m *PasswordManager) generate(ctx context.Context, plaintext string) (string, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer m.sem.Release(1)

	start := time.Now()
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), m.cost)
	m.observe(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// compare reports whether plaintext matches encoded. Malformed input is a mismatch.
func (m *PasswordManager) compare(ctx context.Context, plaintext, encoded string) (bool, error) {
	if strings.TrimSpace(plaintext) == "" || strings.TrimSpace(encoded) == "" {
		return false, nil
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer m.sem.Release(1)

	start := time.Now()
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plaintext))
	m.observe(time.Since(start))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		m.log.Warn("password hash unreadable", zap.Error(err))
	}
	return err == nil, nil
}

// Verify checks plaintext against encoded for the given identity.
// It fails closed on malformed input and returns a *errs.RateLimitedError once the
// identity has exhausted its failed attempts in the current window.
// A successful verification resets the identity's counter.
func (m *PasswordManager) Verify(ctx context.Context, plaintext, encoded, identity string) (bool, error) {
	if m.lim != nil {
		ok, retry, err := m.lim.Allow(ctx, identity)
		if err != nil {
			return false, fmt.Errorf("limiter allow: %w", err)
		}
		if !ok {
			return false, &errs.RateLimitedError{RetryAfter: retry}
		}
	}

	match, err := m.compare(ctx, plaintext, encoded)
	if err != nil {
		return false, err
	}

	if m.lim == nil {
		return match, nil
	}
	if match {
		if err := m.lim.Success(ctx, identity); err != nil {
			m.log.Warn("limiter reset failed", zap.Error(err))
		}
		return true, nil
	}
	blocked, retry, ferr := m.lim.Failure(ctx, identity)
	switch {
	case ferr != nil:
		m.log.Warn("limiter failure not recorded", zap.Error(ferr))
	case blocked:
		m.log.Info("identity locked after failed attempts", zap.Duration("retry_after", retry))
	}
	return false, nil
}

// NeedsUpgrade reports whether encoded was produced with a lower cost than configured.
func (m *PasswordManager) NeedsUpgrade(encoded string) bool {
	cost, err := bcrypt.Cost([]byte(encoded))
	return err == nil && cost < m.cost
}

// UpgradeHash re-hashes plaintext when oldHash uses an outdated cost.
// It returns oldHash unchanged (and false) when no upgrade is needed.
// Persisting the new hash is up to the caller.
func (m *PasswordManager) UpgradeHash(ctx context.Context, plaintext, oldHash string) (string, bool, error) {
	if _, err := bcrypt.Cost([]byte(oldHash)); err != nil {
		return oldHash, false, fmt.Errorf("%w: unreadable hash", errs.ErrInvalidInput)
	}
	if !m.NeedsUpgrade(oldHash) {
		return oldHash, false, nil
	}
	ok, err := m.compare(ctx, plaintext, oldHash)
	if err != nil {
		return oldHash, false, err
	}
	if !ok {
		return oldHash, false, errs.ErrInvalidCredentials
	}
	h, err := m.generate(ctx, plaintext)
	if err != nil {
		return oldHash, false, err
	}
	return h, true, nil
}

// DummyHash returns a fixed hash at the configured cost. Verifying unknown
// identities against it keeps response time independent of account existence.
// Only a successful generation is cached; a failed one is retried on the next call.
func (m *PasswordManager) DummyHash(ctx context.Context) string {
	m.dummyMu.Lock()
	defer m.dummyMu.Unlock()
	if m.dummy != "" {
		return m.dummy
	}
	h, err := m.generate(ctx, "dummy-password-0")
	if err != nil {
		m.log.Warn("dummy hash generation failed", zap.Error(err))
		return ""
	}
	m.dummy = h
	return m.dummy
}
