// Package service contains the authentication orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
)

const minFullNameLen = 3

// AuthService defines login, registration and identity administration.
type AuthService interface {
	// Login checks identifier/secret against admins, then users, and issues a token pair.
	Login(ctx context.Context, identifier, secret string) (model.TokenPair, model.Principal, error)
	// Register creates an identity in coll; an empty role means the collection default.
	Register(ctx context.Context, coll model.Collection, email, fullName, secret string, role model.Role) (*model.Identity, error)
	// Refresh rotates a refresh token into a new pair.
	Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error)
	// Logout revokes the access token and, when given, the refresh token.
	Logout(ctx context.Context, accessToken, refreshToken string) error
	// ListIdentities returns every identity of coll.
	ListIdentities(ctx context.Context, coll model.Collection) ([]model.Identity, error)
	// DeleteIdentity removes an identity by ID.
	DeleteIdentity(ctx context.Context, coll model.Collection, id uuid.UUID) error
}

// TokenIssuer is the part of the token service the orchestrator needs.
type TokenIssuer interface {
	IssuePair(subject string, role model.Role) (model.TokenPair, error)
	Refresh(ctx context.Context, raw string) (model.TokenPair, error)
	Revoke(ctx context.Context, raw string) error
}

// Passwords is the part of the password manager the orchestrator needs.
type Passwords interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, encoded, identity string) (bool, error)
	UpgradeHash(ctx context.Context, plaintext, oldHash string) (string, bool, error)
	DummyHash(ctx context.Context) string
}

// Recorder receives login and registration outcomes.
type Recorder interface {
	Login(result string)
	Registration(result string)
}

type nopRecorder struct{}

func (nopRecorder) Login(string)        {}
func (nopRecorder) Registration(string) {}

// Outcome labels passed to Recorder.
const (
	ResultSuccess     = "success"
	ResultInvalid     = "invalid_credentials"
	ResultRateLimited = "rate_limited"
	ResultConflict    = "conflict"
	ResultRejected    = "rejected"
	ResultError       = "error"
)

// loginOrder is the lookup order for the unified login.
var loginOrder = []model.Collection{model.CollectionAdmins, model.CollectionUsers}

// AuthServiceImpl implements AuthService.
type AuthServiceImpl struct {
	repo   repository.IdentityRepository
	pw     Passwords
	tokens TokenIssuer
	log    *zap.Logger
	rec    Recorder
	now    func() time.Time
}

// Option customizes AuthServiceImpl.
type Option func(*AuthServiceImpl)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *AuthServiceImpl) { s.log = l } }

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) Option { return func(s *AuthServiceImpl) { s.rec = r } }

// WithClock overrides the time source for createdAt.
func WithClock(now func() time.Time) Option { return func(s *AuthServiceImpl) { s.now = now } }

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(repo repository.IdentityRepository, pw Passwords, tokens TokenIssuer, opts ...Option) *AuthServiceImpl {
	s := &AuthServiceImpl{repo: repo, pw: pw, tokens: tokens, log: zap.NewNop(), rec: nopRecorder{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	return s
}

// Login authenticates identifier/secret. Every mismatch, including an unknown
// identifier, yields errs.ErrInvalidCredentials. Unknown identifiers are checked
// against a dummy hash so timing and attempt counting match known ones.
func (s *AuthServiceImpl) Login(ctx context.Context, identifier, secret string) (model.TokenPair, model.Principal, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		s.rec.Login(ResultInvalid)
		return model.TokenPair{}, model.Principal{}, errs.ErrInvalidCredentials
	}

	found := false
	for _, coll := range loginOrder {
		id, err := s.repo.FindByEmail(ctx, coll, identifier)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			s.rec.Login(ResultError)
			return model.TokenPair{}, model.Principal{}, fmt.Errorf("lookup %s: %w", coll, err)
		}
		found = true

		ok, err := s.pw.Verify(ctx, secret, id.PasswordHash, identifier)
		if err != nil {
			return model.TokenPair{}, model.Principal{}, s.loginError(identifier, err)
		}
		if !ok {
			continue
		}
		return s.loginSuccess(ctx, coll, id, secret)
	}

	if !found {
		if _, err := s.pw.Verify(ctx, secret, s.pw.DummyHash(ctx), identifier); err != nil {
			return model.TokenPair{}, model.Principal{}, s.loginError(identifier, err)
		}
	}
	s.log.Info("login rejected", zap.String("email", identifier), zap.Bool("known", found))
	s.rec.Login(ResultInvalid)
	return model.TokenPair{}, model.Principal{}, errs.ErrInvalidCredentials
}

func (s *AuthServiceImpl) loginError(identifier string, err error) error {
	if errors.Is(err, errs.ErrRateLimited) {
		s.log.Warn("login rate limited", zap.String("email", identifier), zap.Duration("retry_after", errs.RetryAfter(err)))
		s.rec.Login(ResultRateLimited)
		return err
	}
	s.rec.Login(ResultError)
	return fmt.Errorf("verify password: %w", err)
}

func (s *AuthServiceImpl) loginSuccess(ctx context.Context, coll model.Collection, id *model.Identity, secret string) (model.TokenPair, model.Principal, error) {
	role := id.Role
	if role == "" {
		role = coll.DefaultRole()
	}
	if !coll.Allows(role) {
		s.rec.Login(ResultError)
		return model.TokenPair{}, model.Principal{}, fmt.Errorf("identity %s carries role %q outside %s", id.ID, role, coll)
	}

	pair, err := s.tokens.IssuePair(id.Email, role)
	if err != nil {
		s.rec.Login(ResultError)
		return model.TokenPair{}, model.Principal{}, fmt.Errorf("issue tokens: %w", err)
	}
	s.upgradeHash(ctx, coll, id, secret)

	s.log.Info("login succeeded", zap.String("email", id.Email), zap.String("role", string(role)))
	s.rec.Login(ResultSuccess)
	return pair, model.Principal{Subject: id.Email, Role: role}, nil
}

// upgradeHash re-hashes with the current cost when needed. Failures are logged only.
func (s *AuthServiceImpl) upgradeHash(ctx context.Context, coll model.Collection, id *model.Identity, secret string) {
	h, upgraded, err := s.pw.UpgradeHash(ctx, secret, id.PasswordHash)
	if err != nil || !upgraded {
		if err != nil {
			s.log.Debug("hash upgrade skipped", zap.Error(err))
		}
		return
	}
	if err := s.repo.UpdatePasswordHash(ctx, coll, id.ID, h); err != nil {
		s.log.Warn("hash upgrade not persisted", zap.String("email", id.Email), zap.Error(err))
		return
	}
	s.log.Info("password hash upgraded", zap.String("email", id.Email))
}

// Register validates input, hashes the secret and inserts the identity.
// An email already present in either collection yields errs.ErrAlreadyExists.
func (s *AuthServiceImpl) Register(ctx context.Context, coll model.Collection, email, fullName, secret string, role model.Role) (*model.Identity, error) {
	id, err := s.register(ctx, coll, email, fullName, secret, role)
	switch {
	case err == nil:
		s.rec.Registration(ResultSuccess)
	case errors.Is(err, errs.ErrAlreadyExists):
		s.rec.Registration(ResultConflict)
	case errors.Is(err, errs.ErrInvalidInput):
		s.rec.Registration(ResultRejected)
	default:
		s.rec.Registration(ResultError)
	}
	return id, err
}

func (s *AuthServiceImpl) register(ctx context.Context, coll model.Collection, email, fullName, secret string, role model.Role) (*model.Identity, error) {
	if !coll.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", errs.ErrInvalidInput, coll)
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	fullName = strings.TrimSpace(fullName)
	if len([]rune(fullName)) < minFullNameLen {
		return nil, fmt.Errorf("%w: full name must have at least %d characters", errs.ErrInvalidInput, minFullNameLen)
	}
	if role == "" {
		role = coll.DefaultRole()
	}
	if !coll.Allows(role) {
		return nil, fmt.Errorf("%w: role %q not allowed for %s", errs.ErrInvalidInput, role, coll)
	}

	for _, c := range loginOrder {
		_, err := s.repo.FindByEmail(ctx, c, email)
		if err == nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyExists, email)
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("lookup %s: %w", c, err)
		}
	}

	hash, err := s.pw.Hash(ctx, secret)
	if err != nil {
		return nil, err
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	id := &model.Identity{
		ID:           uid,
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, coll, id); err != nil {
		return nil, err
	}
	s.log.Info("identity registered", zap.String("collection", string(coll)), zap.String("email", email), zap.String("role", string(role)))
	return id, nil
}

// ValidateEmail accepts a bare RFC 5322 address and nothing else.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return fmt.Errorf("%w: invalid email address", errs.ErrInvalidInput)
	}
	return nil
}

// Refresh rotates a refresh token.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	return s.tokens.Refresh(ctx, refreshToken)
}

// Logout revokes the presented tokens. Revocation is idempotent.
func (s *AuthServiceImpl) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := s.tokens.Revoke(ctx, accessToken); err != nil {
		return err
	}
	if refreshToken == "" {
		return nil
	}
	return s.tokens.Revoke(ctx, refreshToken)
}

// ListIdentities returns the identities of coll with password hashes cleared.
func (s *AuthServiceImpl) ListIdentities(ctx context.Context, coll model.Collection) ([]model.Identity, error) {
	if !coll.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", errs.ErrInvalidInput, coll)
	}
	out, err := s.repo.List(ctx, coll)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].PasswordHash = ""
	}
	return out, nil
}

// DeleteIdentity removes an identity.
func (s *AuthServiceImpl) DeleteIdentity(ctx context.Context, coll model.Collection, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: empty identity id", errs.ErrInvalidInput)
	}
	if err := s.repo.Delete(ctx, coll, id); err != nil {
		return err
	}
	s.log.Info("identity deleted", zap.String("collection", string(coll)), zap.String("id", id.String()))
	return nil
}
