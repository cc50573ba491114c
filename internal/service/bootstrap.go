package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
)

// Seed describes an identity that must exist at startup.
type Seed struct {
	Email    string
	FullName string
	Password string
	Role     model.Role
}

// EnsureIdentity creates seed in the collection owning its role unless the
// email is already registered. Safe to call from several instances at once.
func (s *AuthServiceImpl) EnsureIdentity(ctx context.Context, seed Seed) error {
	coll, ok := model.CollectionOf(seed.Role)
	if !ok {
		return fmt.Errorf("%w: unknown bootstrap role %q", errs.ErrConfiguration, seed.Role)
	}

	existing, err := s.repo.FindByEmail(ctx, coll, seed.Email)
	switch {
	case err == nil:
		if existing.Role != seed.Role {
			s.log.Warn("bootstrap identity exists with another role",
				zap.String("email", seed.Email), zap.String("want", string(seed.Role)), zap.String("have", string(existing.Role)))
		}
		return nil
	case !errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("bootstrap lookup: %w", err)
	}

	_, err = s.Register(ctx, coll, seed.Email, seed.FullName, seed.Password, seed.Role)
	if errors.Is(err, errs.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", seed.Role, err)
	}
	s.log.Info("bootstrap identity created", zap.String("email", seed.Email), zap.String("role", string(seed.Role)))
	return nil
}

// Bootstrap ensures every seed exists, then checks that the admins collection
// holds at least one super_admin. Without one nobody can register admins, so
// startup fails with errs.ErrConfiguration.
func (s *AuthServiceImpl) Bootstrap(ctx context.Context, seeds ...Seed) error {
	for _, seed := range seeds {
		if err := s.EnsureIdentity(ctx, seed); err != nil {
			return err
		}
	}
	return s.RequireSuperAdmin(ctx)
}

// RequireSuperAdmin reports errs.ErrConfiguration when no super_admin exists.
func (s *AuthServiceImpl) RequireSuperAdmin(ctx context.Context) error {
	admins, err := s.repo.List(ctx, model.CollectionAdmins)
	if err != nil {
		return fmt.Errorf("bootstrap list admins: %w", err)
	}
	for _, a := range admins {
		if a.Role == model.RoleSuperAdmin {
			return nil
		}
	}
	return fmt.Errorf("%w: no %s exists and no bootstrap admin is configured", errs.ErrConfiguration, model.RoleSuperAdmin)
}
