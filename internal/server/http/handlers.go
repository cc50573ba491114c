package httpserver

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/authctx"
	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/service"
)

const maxBodyBytes = 1 << 20

// AuthHandlers serves the login, registration and administration endpoints.
type AuthHandlers struct {
	svc service.AuthService
	log *zap.Logger
}

// NewAuthHandlers creates AuthHandlers.
func NewAuthHandlers(svc service.AuthService, log *zap.Logger) *AuthHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandlers{svc: svc, log: log}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func newTokenResponse(p model.TokenPair) tokenResponse {
	resp := tokenResponse{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, TokenType: p.TokenType}
	if resp.TokenType == "" {
		resp.TokenType = "bearer"
	}
	if !p.ExpiresAt.IsZero() {
		if secs := int64(time.Until(p.ExpiresAt).Seconds()); secs > 0 {
			resp.ExpiresIn = secs
		}
	}
	return resp
}

type identityResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func newIdentityResponse(id model.Identity) identityResponse {
	return identityResponse{
		ID:        id.ID.String(),
		Email:     id.Email,
		FullName:  id.FullName,
		Role:      string(id.Role),
		CreatedAt: id.CreatedAt.UTC(),
	}
}

type principalResponse struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func decodeJSON(r *http.Request, w http.ResponseWriter, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body", errs.ErrInvalidInput)
	}
	return nil
}

func isJSON(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && ct == "application/json"
}

// Login accepts either an OAuth2 password form (username, password) or a JSON body.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if isJSON(r) {
		if err := decodeJSON(r, w, &req); err != nil {
			writeError(w, r, h.log, err)
			return
		}
		if req.Username == "" {
			req.Username = req.Email
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, r, h.log, fmt.Errorf("%w: malformed form", errs.ErrInvalidInput))
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}

	pair, _, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// Refresh exchanges a refresh token for a new pair.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// Logout revokes the caller's access token and an optional refresh token.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	access, _ := authctx.ParseBearer(r.Header.Get("Authorization"))
	var req refreshRequest
	if r.ContentLength != 0 && isJSON(r) {
		if err := decodeJSON(r, w, &req); err != nil {
			writeError(w, r, h.log, err)
			return
		}
	}
	if err := h.svc.Logout(r.Context(), access, req.RefreshToken); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterUser is the public self-registration endpoint. The role is always the user default.
func (h *AuthHandlers) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if req.Role != "" && model.Role(req.Role) != model.CollectionUsers.DefaultRole() {
		writeError(w, r, h.log, fmt.Errorf("%w: role cannot be chosen on self-registration", errs.ErrInvalidInput))
		return
	}
	h.register(w, r, model.CollectionUsers, req)
}

// RegisterAdmin creates an admin identity; the route is limited to super admins.
func (h *AuthHandlers) RegisterAdmin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.register(w, r, model.CollectionAdmins, req)
}

func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request, coll model.Collection, req registerRequest) {
	id, err := h.svc.Register(r.Context(), coll, req.Email, req.FullName, req.Password, model.Role(req.Role))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, newIdentityResponse(*id))
}

// Profile echoes the authenticated principal.
func (h *AuthHandlers) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := authctx.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, h.log, errs.ErrInvalidToken)
		return
	}
	writeJSON(w, http.StatusOK, principalResponse{Subject: p.Subject, Role: string(p.Role)})
}

// List returns a handler listing every identity of coll.
func (h *AuthHandlers) List(coll model.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := h.svc.ListIdentities(r.Context(), coll)
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		out := make([]identityResponse, 0, len(ids))
		for _, id := range ids {
			out = append(out, newIdentityResponse(id))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// Delete returns a handler removing the identity named by the {id} path variable.
func (h *AuthHandlers) Delete(coll model.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.FromString(strings.TrimSpace(mux.Vars(r)["id"]))
		if err != nil {
			writeError(w, r, h.log, fmt.Errorf("%w: invalid identity id", errs.ErrInvalidInput))
			return
		}
		if err := h.svc.DeleteIdentity(r.Context(), coll, id); err != nil {
			writeError(w, r, h.log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
