package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/authctx"
	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
)

// Verifier checks a bearer token against a set of roles.
type Verifier interface {
	RequireRole(ctx context.Context, raw string, roles ...model.Role) (model.Principal, error)
}

// TokenRecorder receives guard decisions.
type TokenRecorder interface {
	TokenCheck(result string)
}

type nopTokenRecorder struct{}

func (nopTokenRecorder) TokenCheck(string) {}

// Guard turns bearer tokens into principals for protected routes.
type Guard struct {
	v   Verifier
	log *zap.Logger
	rec TokenRecorder
}

// NewGuard constructs a Guard. rec may be nil.
func NewGuard(v Verifier, log *zap.Logger, rec TokenRecorder) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopTokenRecorder{}
	}
	return &Guard{v: v, log: log, rec: rec}
}

// Require returns middleware admitting only tokens whose role is in roles.
// Token problems yield 401 with a generic message; a valid token with the
// wrong role yields 403. The principal is available via authctx.PrincipalFrom.
func (g *Guard) Require(roles ...model.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authenticate(r, roles...)
			if err != nil {
				writeError(w, r, g.log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(authctx.WithPrincipal(r.Context(), p)))
		})
	}
}

// Authenticate extracts and verifies the bearer token of r.
func (g *Guard) Authenticate(r *http.Request, roles ...model.Role) (model.Principal, error) {
	raw, ok := authctx.ParseBearer(r.Header.Get("Authorization"))
	if !ok {
		g.rec.TokenCheck("missing")
		return model.Principal{}, errs.ErrInvalidToken
	}
	p, err := g.v.RequireRole(r.Context(), raw, roles...)
	if err != nil {
		g.rec.TokenCheck(checkResult(err))
		return model.Principal{}, err
	}
	g.rec.TokenCheck("ok")
	return p, nil
}

func checkResult(err error) string {
	switch {
	case errors.Is(err, errs.ErrTokenExpired):
		return "expired"
	case errors.Is(err, errs.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, errs.ErrInvalidToken):
		return "invalid"
	case errors.Is(err, errs.ErrUnauthorized):
		return "forbidden"
	default:
		return "error"
	}
}
