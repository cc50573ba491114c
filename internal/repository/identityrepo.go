// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/authgate/internal/model"
)

// IdentityRepository stores users and admins in disjoint collections keyed by email.
type IdentityRepository interface {
	// FindByEmail loads an identity by its exact email or returns errs.ErrNotFound.
	FindByEmail(ctx context.Context, coll model.Collection, email string) (*model.Identity, error)
	// Insert stores a new identity. A duplicate email yields errs.ErrAlreadyExists.
	Insert(ctx context.Context, coll model.Collection, id *model.Identity) error
	// List returns every identity of the collection, oldest first.
	List(ctx context.Context, coll model.Collection) ([]model.Identity, error)
	// Delete removes an identity by ID or returns errs.ErrNotFound.
	Delete(ctx context.Context, coll model.Collection, id uuid.UUID) error
	// UpdatePasswordHash replaces the stored hash after a cost upgrade.
	UpdatePasswordHash(ctx context.Context, coll model.Collection, id uuid.UUID, hash string) error
}
