package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/errs"
)

// MsgUnauthenticated is returned for every authentication failure.
const MsgUnauthenticated = "could not validate credentials"

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// statusFor maps a domain error onto an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errs.IsAuthFailure(err):
		return http.StatusUnauthorized, MsgUnauthenticated
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusForbidden, "not enough permissions"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "too many failed attempts, try again later"
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, "email already registered"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request canceled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError logs the internal reason and sends the mapped response.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	status, msg := statusFor(err)
	switch {
	case status >= 500:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	default:
		log.Info("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
	case http.StatusTooManyRequests:
		if d := errs.RetryAfter(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeJSON(w, status, errorBody{Detail: msg})
}
