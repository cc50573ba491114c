// Package token issues and verifies RS256-signed bearer tokens.
//
// A token moves Issued -> Valid -> {Expired | Revoked} and never back.
// Verification checks, in order: signature, revocation, expiry, issuer/audience.
// Revocations are written to the shared key-value store with a TTL equal to the
// token's remaining lifetime, so blacklist entries never outlive their tokens.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/kvstore"
	"github.com/and161185/authgate/internal/model"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Defaults for Config zero values.
const (
	DefaultAccessTTL        = 20 * time.Minute
	DefaultRefreshTTL       = 7 * 24 * time.Hour
	DefaultRevokedCacheSize = 4096
	DefaultRevokedCacheTTL  = 5 * time.Minute
	revokedKeyPrefix        = "revoked:"
	signingAlgorithm        = "RS256"
)

// Claims is the signed payload.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
	Type string     `json:"type,omitempty"`
}

// Config holds immutable key material and token parameters.
type Config struct {
	PrivateKey *rsa.PrivateKey // nil for verification-only services
	PublicKey  *rsa.PublicKey
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Leeway tolerates clock skew on expiry checks. Zero by default.
	Leeway time.Duration

	// RevokedCacheSize bounds the local cache of confirmed revocations; <0 disables it.
	RevokedCacheSize int
	RevokedCacheTTL  time.Duration
}

// Service creates, verifies and revokes tokens. Safe for concurrent use.
type Service struct {
	cfg     Config
	store   kvstore.Store
	revoked *expirable.LRU[string, struct{}]
	log     *zap.Logger
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService validates cfg and constructs a Service over the revocation store.
func NewService(cfg Config, store kvstore.Store, opts ...Option) (*Service, error) {
	if cfg.PublicKey == nil {
		if cfg.PrivateKey == nil {
			return nil, fmt.Errorf("%w: token verification key is missing", errs.ErrConfiguration)
		}
		cfg.PublicKey = &cfg.PrivateKey.PublicKey
	}
	if cfg.PrivateKey != nil && !cfg.PrivateKey.PublicKey.Equal(cfg.PublicKey) {
		return nil, fmt.Errorf("%w: public key does not match private key", errs.ErrConfiguration)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("%w: token issuer and audience are required", errs.ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: revocation store is required", errs.ErrConfiguration)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}

	s := &Service{cfg: cfg, store: store, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}

	if cfg.RevokedCacheSize >= 0 {
		size := cfg.RevokedCacheSize
		if size == 0 {
			size = DefaultRevokedCacheSize
		}
		ttl := cfg.RevokedCacheTTL
		if ttl <= 0 {
			ttl = DefaultRevokedCacheTTL
		}
		s.revoked = expirable.NewLRU[string, struct{}](size, nil, ttl)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// CreateAccessToken signs a short-lived access token for subject/role.
func (s *Service) CreateAccessToken(subject string, role model.Role) (string, time.Time, error) {
	return s.create(subject, role, TypeAccess, s.cfg.AccessTTL)
}

// CreateRefreshToken signs a long-lived refresh token for subject/role.
func (s *Service) CreateRefreshToken(subject string, role model.Role) (string, time.Time, error) {
	return s.create(subject, role, TypeRefresh, s.cfg.RefreshTTL)
}

// CreateWithTTL signs an access token with an explicit lifetime.
func (s *Service) CreateWithTTL(subject string, role model.Role, ttl time.Duration) (string, time.Time, error) {
	return s.create(subject, role, TypeAccess, ttl)
}

// IssuePair signs an access and a refresh token.
func (s *Service) IssuePair(subject string, role model.Role) (model.TokenPair, error) {
	access, exp, err := s.CreateAccessToken(subject, role)
	if err != nil {
		return model.TokenPair{}, err
	}
	refresh, _, err := s.CreateRefreshToken(subject, role)
	if err != nil {
		return model.TokenPair{}, err
	}
	return model.TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer", ExpiresAt: exp}, nil
}

func (s *Service) create(subject string, role model.Role, typ string, ttl time.Duration) (string, time.Time, error) {
	if s.cfg.PrivateKey == nil {
		return "", time.Time{}, fmt.Errorf("%w: signing key not configured", errs.ErrConfiguration)
	}
	if subject == "" || role == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject and role are required", errs.ErrInvalidInput)
	}
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti.String(),
		},
		Role: role,
		Type: typ,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(s.cfg.PrivateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// parseSigned checks the signature and structure only.
func (s *Service) parseSigned(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.cfg.PublicKey, nil
	}, jwt.WithValidMethods([]string{signingAlgorithm}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: required claims missing", errs.ErrInvalidToken)
	}
	return &claims, nil
}

// Verify decodes raw and checks signature, revocation, expiry and issuer/audience.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parseSigned(raw)
	if err != nil {
		return nil, err
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, errs.ErrTokenRevoked
	}

	v := jwt.NewValidator(
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err := v.Validate(claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}
	return claims, nil
}

// RequireRole verifies an access token and checks that its role is one of roles.
// Refresh tokens are rejected as invalid.
func (s *Service) RequireRole(ctx context.Context, raw string, roles ...model.Role) (model.Principal, error) {
	claims, err := s.Verify(ctx, raw)
	if err != nil {
		return model.Principal{}, err
	}
	if claims.Type == TypeRefresh {
		return model.Principal{}, fmt.Errorf("%w: refresh token used as access token", errs.ErrInvalidToken)
	}
	if !claims.Role.In(roles...) {
		return model.Principal{}, errs.ErrUnauthorized
	}
	return model.Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Revoke blacklists raw until its natural expiry. Revoking twice is not an error;
// already expired tokens need no entry.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.parseSigned(raw)
	if err != nil {
		return err
	}
	// Entries cover the leeway window too, since verification accepts it.
	ttl := (claims.ExpiresAt.Time.Sub(s.now()) + s.cfg.Leeway).Truncate(time.Millisecond)
	if ttl <= 0 {
		return nil
	}
	if err := s.store.Set(ctx, revokedKeyPrefix+claims.ID, claims.Subject, ttl); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	if s.revoked != nil {
		s.revoked.Add(claims.ID, struct{}{})
	}
	s.log.Info("token revoked", zap.String("jti", claims.ID), zap.String("sub", claims.Subject), zap.Duration("ttl", ttl))
	return nil
}

// Refresh exchanges a valid refresh token for a new pair. The presented refresh
// token is revoked so it cannot be replayed.
func (s *Service) Refresh(ctx context.Context, raw string) (model.TokenPair, error) {
	claims, err := s.Verify(ctx, raw)
	if err != nil {
		return model.TokenPair{}, err
	}
	if claims.Type != TypeRefresh {
		return model.TokenPair{}, fmt.Errorf("%w: not a refresh token", errs.ErrInvalidToken)
	}
	if err := s.Revoke(ctx, raw); err != nil {
		return model.TokenPair{}, err
	}
	return s.IssuePair(claims.Subject, claims.Role)
}

// RevocationTTL reports the remaining lifetime of the revocation entry for raw.
func (s *Service) RevocationTTL(ctx context.Context, raw string) (time.Duration, error) {
	claims, err := s.parseSigned(raw)
	if err != nil {
		return 0, err
	}
	return s.store.TTL(ctx, revokedKeyPrefix+claims.ID)
}

func (s *Service) isRevoked(ctx context.Context, jti string) (bool, error) {
	if s.revoked != nil {
		if _, ok := s.revoked.Get(jti); ok {
			return true, nil
		}
	}
	_, err := s.store.Get(ctx, revokedKeyPrefix+jti)
	switch {
	case err == nil:
		if s.revoked != nil {
			s.revoked.Add(jti, struct{}{})
		}
		return true, nil
	case errors.Is(err, errs.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
}
