package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
)

// IdentityRepo implements repository.IdentityRepository using PostgreSQL.
// Users and admins live in identically shaped tables.
type IdentityRepo struct{ db *DB }

// NewIdentityRepo constructs an identity repository.
func NewIdentityRepo(db *DB) *IdentityRepo { return &IdentityRepo{db: db} }

// Insert inserts a new identity row.
func (r *IdentityRepo) Insert(ctx context.Context, coll model.Collection, id *model.Identity) error {
	t, err := tableFor(coll)
	if err != nil {
		return err
	}
	q := `
INSERT INTO ` + t + ` (id, email, full_name, password_hash, role, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.db.Pool.Exec(ctx, q, id.ID, id.Email, id.FullName, id.PasswordHash, string(id.Role), id.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", errs.ErrAlreadyExists, id.Email)
	}
	return err
}

// FindByEmail selects an identity by email.
func (r *IdentityRepo) FindByEmail(ctx context.Context, coll model.Collection, email string) (*model.Identity, error) {
	t, err := tableFor(coll)
	if err != nil {
		return nil, err
	}
	q := `
SELECT id, email, full_name, password_hash, role, created_at
FROM ` + t + ` WHERE email=$1`
	id, err := scanIdentity(r.db.Pool.QueryRow(ctx, q, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return id, nil
}

// List selects all identities ordered by creation time.
func (r *IdentityRepo) List(ctx context.Context, coll model.Collection) ([]model.Identity, error) {
	t, err := tableFor(coll)
	if err != nil {
		return nil, err
	}
	q := `
SELECT id, email, full_name, password_hash, role, created_at
FROM ` + t + ` ORDER BY created_at, email`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Identity, 0)
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *id)
	}
	return out, rows.Err()
}

// Delete removes an identity by ID.
func (r *IdentityRepo) Delete(ctx context.Context, coll model.Collection, id uuid.UUID) error {
	t, err := tableFor(coll)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM `+t+` WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePasswordHash rewrites password_hash for an existing row.
func (r *IdentityRepo) UpdatePasswordHash(ctx context.Context, coll model.Collection, id uuid.UUID, hash string) error {
	t, err := tableFor(coll)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `UPDATE `+t+` SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanIdentity(row pgx.Row) (*model.Identity, error) {
	var (
		id        model.Identity
		role      string
		createdAt time.Time
	)
	if err := row.Scan(&id.ID, &id.Email, &id.FullName, &id.PasswordHash, &role, &createdAt); err != nil {
		return nil, err
	}
	id.Role = model.Role(role)
	id.CreatedAt = createdAt.UTC()
	return &id, nil
}
