// Package httpserver exposes the authentication endpoints over HTTP.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/observability"
	"github.com/and161185/authgate/internal/service"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Deps wires the router. Metrics, Gatherer and Checks are optional.
type Deps struct {
	Auth     service.AuthService
	Verifier Verifier
	Log      *zap.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
}

// NewRouter builds the HTTP API.
func NewRouter(d Deps) *mux.Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	var rec TokenRecorder
	if d.Metrics != nil {
		rec = d.Metrics
	}
	guard := NewGuard(d.Verifier, log, rec)
	h := NewAuthHandlers(d.Auth, log)

	r := mux.NewRouter()
	r.Use(Recover(log), Logging(log))
	if d.Metrics != nil {
		r.Use(observability.HTTPMetricsMiddleware(d.Metrics))
	}

	r.HandleFunc("/health", healthHandler(d.Checks)).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", observability.Handler(d.Gatherer)).Methods(http.MethodGet)
	}

	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	auth.HandleFunc("/refresh", h.Refresh).Methods(http.MethodPost)
	auth.Handle("/logout", guard.Require(allRoles()...)(http.HandlerFunc(h.Logout))).Methods(http.MethodPost)

	users := r.PathPrefix("/users").Subrouter()
	users.HandleFunc("/register", h.RegisterUser).Methods(http.MethodPost)
	users.Handle("/profile", guard.Require(model.UserRoles()...)(http.HandlerFunc(h.Profile))).Methods(http.MethodGet)

	admins := r.PathPrefix("/admins").Subrouter()
	admins.Use(guard.Require(model.AdminRoles()...))
	admins.HandleFunc("/profile", h.Profile).Methods(http.MethodGet)
	admins.HandleFunc("/users", h.List(model.CollectionUsers)).Methods(http.MethodGet)
	admins.HandleFunc("/admins", h.List(model.CollectionAdmins)).Methods(http.MethodGet)
	admins.HandleFunc("/users/{id}", h.Delete(model.CollectionUsers)).Methods(http.MethodDelete)

	super := r.PathPrefix("/admins").Subrouter()
	super.Use(guard.Require(model.RoleSuperAdmin))
	super.HandleFunc("/register", h.RegisterAdmin).Methods(http.MethodPost)
	super.HandleFunc("/admins/{id}", h.Delete(model.CollectionAdmins)).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "not found"})
	})
	return r
}

func allRoles() []model.Role {
	return append(model.UserRoles(), model.AdminRoles()...)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
