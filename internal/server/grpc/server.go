// Package grpcserver hosts the gRPC listener: health checks plus the unary
// interceptor chain (recover, bearer auth, access log) for services mounted on it.
//
// The gateway itself only serves health over gRPC; its API is HTTP. Verification-only
// services register their handlers on the server returned by New and inherit the
// bearer guard: every non-public unary method requires a valid access token.
package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthMethods are reachable without a token.
var HealthMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// New builds a gRPC server with the interceptor chain and a registered health service.
// Methods in policy.Public (the health endpoints are always added) skip authentication.
func New(v Verifier, policy Policy, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	public := make(map[string]bool, len(policy.Public)+len(HealthMethods))
	for m := range HealthMethods {
		public[m] = true
	}
	for m, ok := range policy.Public {
		public[m] = ok
	}
	policy.Public = public

	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		AuthUnary(v, policy, log),
		LoggingUnary(log),
	))
	srv := grpc.NewServer(opts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
