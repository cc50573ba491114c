// Command authgate-server runs the authentication gateway: the HTTP API and a
// gRPC listener carrying health checks and the bearer-auth interceptor chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/authgate/internal/config"
	pkgcrypto "github.com/and161185/authgate/internal/crypto"
	"github.com/and161185/authgate/internal/kvstore"
	"github.com/and161185/authgate/internal/limiter"
	"github.com/and161185/authgate/internal/migrate"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/observability"
	"github.com/and161185/authgate/internal/repository"
	"github.com/and161185/authgate/internal/repository/mongodb"
	"github.com/and161185/authgate/internal/repository/postgres"
	grpcserver "github.com/and161185/authgate/internal/server/grpc"
	httpserver "github.com/and161185/authgate/internal/server/http"
	"github.com/and161185/authgate/internal/service"
	"github.com/and161185/authgate/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("store", cfg.Store),
		zap.String("limiter", cfg.Limiter),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run wires the dependencies and serves until ctx is canceled or a listener fails.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	usesPostgres := cfg.Store == config.BackendPostgres || cfg.Limiter == config.BackendPostgres
	if usesPostgres && cfg.Migrate {
		if err := migrate.Up(ctx, cfg.PostgresDSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	}

	checks := map[string]httpserver.HealthCheck{}

	var pg *postgres.DB
	if usesPostgres {
		db, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		pg = db
		checks["postgres"] = db.Pool.Ping
	}

	var repo repository.IdentityRepository
	switch cfg.Store {
	case config.BackendMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}()
		mrepo := mongodb.NewIdentityRepo(client.Database(cfg.MongoDatabase))
		if err := mrepo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		repo = mrepo
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
	default:
		repo = postgres.NewIdentityRepo(pg)
	}

	store, err := kvstore.NewRedis(ctx, kvstore.Options{URL: cfg.RedisURL})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	checks["redis"] = store.Ping

	var lim limiter.Limiter
	if cfg.Limiter == config.BackendPostgres {
		lim = limiter.NewPGWithQuerier(pg.Pool, cfg.AttemptWindow, cfg.MaxAttempts, cfg.AttemptWindow)
	} else {
		lim = limiter.NewKV(store, cfg.AttemptWindow, cfg.MaxAttempts, limiter.WithLogger(logger.Named("limiter")))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	policy := pkgcrypto.DefaultPolicy()
	if cfg.StrictPasswords {
		policy = pkgcrypto.StrictPolicy()
	}
	pw, err := pkgcrypto.NewPasswordManager(pkgcrypto.Options{
		Cost:        cfg.BcryptCost,
		Policy:      policy,
		Concurrency: cfg.HashConcurrency,
		Limiter:     lim,
		Logger:      logger.Named("passwords"),
		ObserveHash: metrics.ObserveHash,
	})
	if err != nil {
		return err
	}

	tokens, err := token.NewService(token.Config{
		PrivateKey:       cfg.PrivateKey,
		PublicKey:        cfg.PublicKey,
		Issuer:           cfg.Issuer,
		Audience:         cfg.Audience,
		AccessTTL:        cfg.AccessTTL,
		RefreshTTL:       cfg.RefreshTTL,
		Leeway:           cfg.Leeway,
		RevokedCacheSize: cfg.RevokedCacheSize,
	}, store, token.WithLogger(logger.Named("tokens")))
	if err != nil {
		return err
	}

	authSvc := service.NewAuthService(repo, pw, tokens,
		service.WithLogger(logger.Named("auth")),
		service.WithRecorder(metrics),
	)
	if err := bootstrap(ctx, authSvc, cfg); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpserver.NewRouter(httpserver.Deps{
			Auth:     authSvc,
			Verifier: tokens,
			Log:      logger.Named("http"),
			Metrics:  metrics,
			Gatherer: registry,
			Checks:   checks,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := grpcListener(cfg.GRPCAddr)
	if err != nil {
		return err
	}
	// Services mounted on grpcSrv are guarded for every known role by default.
	grpcSrv, hs := grpcserver.New(tokens, grpcserver.Policy{}, logger.Named("grpc"))
	if cfg.Dev {
		reflection.Register(grpcSrv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if lis != nil {
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			return grpcSrv.Serve(lis)
		})
	} else {
		logger.Info("grpc disabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		herr := httpSrv.Shutdown(sctx)

		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			grpcSrv.Stop()
		}
		return herr
	})
	return g.Wait()
}

// grpcListener opens the gRPC listener. An empty address disables gRPC and
// yields a nil listener.
func grpcListener(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc: %w", err)
	}
	return lis, nil
}

// bootstrap ensures the configured seed identities exist and that a
// super_admin is present.
func bootstrap(ctx context.Context, svc *service.AuthServiceImpl, cfg *config.Config) error {
	return svc.Bootstrap(ctx, seeds(cfg)...)
}

func seeds(cfg *config.Config) []service.Seed {
	var out []service.Seed
	for _, s := range []struct {
		seed config.Seed
		role model.Role
	}{
		{cfg.BootstrapAdmin, model.RoleSuperAdmin},
		{cfg.BootstrapTester, model.RoleTester},
	} {
		if !s.seed.Enabled() {
			continue
		}
		out = append(out, service.Seed{
			Email:    s.seed.Email,
			FullName: s.seed.FullName,
			Password: s.seed.Password,
			Role:     s.role,
		})
	}
	return out
}
