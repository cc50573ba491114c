// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is a closed enumeration value carried in tokens.
type Role string

// User-collection roles.
const (
	RoleUser        Role = "user"
	RoleContributor Role = "contributor"
	RoleMaintainer  Role = "maintainer"
	RoleTester      Role = "tester"
)

// Admin-collection roles.
const (
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Collection names the identity store partition: users or admins.
type Collection string

const (
	CollectionUsers  Collection = "users"
	CollectionAdmins Collection = "admins"
)

// UserRoles lists the roles valid in the users collection.
func UserRoles() []Role {
	return []Role{RoleUser, RoleContributor, RoleMaintainer, RoleTester}
}

// AdminRoles lists the roles valid in the admins collection.
func AdminRoles() []Role {
	return []Role{RoleAdmin, RoleSuperAdmin}
}

// Roles returns the roles valid for the collection.
func (c Collection) Roles() []Role {
	switch c {
	case CollectionAdmins:
		return AdminRoles()
	case CollectionUsers:
		return UserRoles()
	default:
		return nil
	}
}

// DefaultRole is assigned on registration when no role is requested.
func (c Collection) DefaultRole() Role {
	if c == CollectionAdmins {
		return RoleAdmin
	}
	return RoleUser
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == CollectionUsers || c == CollectionAdmins
}

// Allows reports whether r belongs to the collection.
func (c Collection) Allows(r Role) bool {
	return r.In(c.Roles()...)
}

// CollectionOf returns the collection that owns role r.
func CollectionOf(r Role) (Collection, bool) {
	switch {
	case r.In(AdminRoles()...):
		return CollectionAdmins, true
	case r.In(UserRoles()...):
		return CollectionUsers, true
	default:
		return "", false
	}
}

// In reports whether r is one of roles.
func (r Role) In(roles ...Role) bool {
	for _, x := range roles {
		if r == x {
			return true
		}
	}
	return false
}

// Identity is a user or admin account. The password is only ever held as a hash.
type Identity struct {
	ID           uuid.UUID // PK
	Email        string    // unique within its collection, immutable
	FullName     string
	PasswordHash string // bcrypt encoding
	Role         Role
	CreatedAt    time.Time // UTC, set once
}

// Principal is the authenticated caller yielded by the authorization guard.
type Principal struct {
	Subject string
	Role    Role
}

// TokenPair collects issued access/refresh tokens (refresh optional).
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}
