package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/authgate/internal/authctx"
	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
)

// Verifier checks a bearer token and its role.
type Verifier interface {
	RequireRole(ctx context.Context, raw string, roles ...model.Role) (model.Principal, error)
}

// Policy decides which roles may call which method.
type Policy struct {
	// Public methods skip authentication.
	Public map[string]bool
	// Methods maps a full method name to the roles allowed to call it.
	Methods map[string][]model.Role
	// Default applies to methods absent from Methods. Empty means every known role.
	Default []model.Role
}

func (p Policy) rolesFor(method string) []model.Role {
	if r, ok := p.Methods[method]; ok {
		return r
	}
	if len(p.Default) > 0 {
		return p.Default
	}
	return append(model.UserRoles(), model.AdminRoles()...)
}

// AuthUnary returns an interceptor that verifies the bearer token from call
// metadata and stores the principal in the context.
func AuthUnary(v Verifier, policy Policy, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if policy.Public[info.FullMethod] {
			return next(ctx, req)
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			log.Info("grpc auth rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, msgUnauthenticated)
		}
		p, err := v.RequireRole(ctx, tok, policy.rolesFor(info.FullMethod)...)
		if err != nil {
			log.Info("grpc auth rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, ToStatus(err)
		}
		return next(authctx.WithPrincipal(ctx, p), req)
	}
}

const msgUnauthenticated = "could not validate credentials"

// ToStatus maps domain errors onto gRPC status codes with generic messages.
func ToStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errs.IsAuthFailure(err):
		return status.Error(codes.Unauthenticated, msgUnauthenticated)
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "insufficient role")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid input")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal")
	}
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		if t, ok := authctx.ParseBearer(v); ok {
			return t, nil
		}
	}
	return "", errors.New("no bearer token")
}
