// Package authctx carries the authenticated principal through a request context.
package authctx

import (
	"context"
	"strings"

	"github.com/and161185/authgate/internal/model"
)

type ctxKey string

const principalKey ctxKey = "authgate.principal"

// WithPrincipal stores the authenticated principal in context.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom fetches the principal from context.
func PrincipalFrom(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	if !ok || p.Subject == "" {
		return model.Principal{}, false
	}
	return p, true
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>" value.
// The scheme is case-insensitive.
func ParseBearer(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(v[7:])
	return t, t != ""
}
