package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fnbcost/fnbcost/internal/app"
	"github.com/fnbcost/fnbcost/internal/audit"
	audithttp "github.com/fnbcost/fnbcost/internal/audit/http"
	"github.com/fnbcost/fnbcost/internal/auth"
	authhttp "github.com/fnbcost/fnbcost/internal/auth/http"
	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/observability"
	"github.com/fnbcost/fnbcost/internal/platform/cache"
	"github.com/fnbcost/fnbcost/internal/platform/db"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
	rbachttp "github.com/fnbcost/fnbcost/internal/rbac/http"
	"github.com/fnbcost/fnbcost/internal/realtime"
	"github.com/fnbcost/fnbcost/internal/roles"
	"github.com/fnbcost/fnbcost/internal/shared"
	"github.com/fnbcost/fnbcost/internal/users"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		return err
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	registry := rbac.DefaultRegistry()
	rbacRepo := rbac.NewRepository(pool)

	assignments, err := rbacRepo.RoleAssignments(ctx)
	if err != nil {
		return err
	}
	if err := registry.VerifyAssignments(assignments); err != nil {
		return err
	}
	resolver := rbac.NewResolver(rbacRepo, registry, logger)

	var sessionStore auth.Store = auth.NewMemoryStore()
	if cfg.SessionStore == app.BackendRedis {
		sessionStore = auth.NewRedisStore(redisClient)
	}
	sessions := auth.NewRegistry(sessionStore, cfg.SessionLifetime(), logger)

	var limitStore ratelimit.Store
	memoryLimits := ratelimit.NewMemoryStore()
	limitStore = memoryLimits
	if cfg.RateLimitBackend == app.BackendRedis {
		limitStore = ratelimit.NewRedisStore(redisClient)
	}

	auditStore := audit.NewPGStore(pool)
	auditLogger := audit.NewLogger(auditStore, logger, metrics, cfg.AuditOptions())

	authService := auth.NewService(auth.NewRepository(pool), resolver, sessions, auth.NewTokenSigner(cfg.SessionSecret),
		cfg.LockoutPolicy(), logger, metrics)
	csrf := shared.NewCSRFManager(cfg.CSRFSecret)
	gate := authz.NewGate(authz.Deps{
		Identity: authService,
		Checker:  resolver,
		Limiter:  ratelimit.New(limitStore),
		Auditor:  auditLogger,
		CSRF:     csrf,
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
	})
	bus := realtime.NewBus(logger, metrics, cfg.RealtimeOptions())

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		Database:           pool,
		AuthHandler:        authhttp.NewHandler(logger, authService, gate, csrf, auditLogger, cfg.IsProduction()),
		AuditHandler:       audithttp.NewHandler(logger, audit.NewService(auditStore), gate),
		RealtimeHandler:    realtime.NewHandler(logger, bus, gate),
		UsersHandler:       users.NewHandler(logger, users.NewService(users.NewRepository(pool), resolver, sessions, bus, registry, logger), gate),
		RolesHandler:       roles.NewHandler(logger, roles.NewService(roles.NewRepository(pool), resolver, bus, registry, logger), gate),
		PermissionsHandler: rbachttp.NewHandler(logger, registry, resolver, gate),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sessions.Run(gctx, cfg.SessionPurge)
		return nil
	})
	if cfg.RateLimitBackend == app.BackendMemory {
		g.Go(func() error {
			memoryLimits.Run(gctx, cfg.RateLimitSweep)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bus.Close()
		err := server.Shutdown(shutdownCtx)
		if cerr := auditLogger.Close(shutdownCtx); cerr != nil {
			logger.Warn("close audit logger", slog.Any("error", cerr))
		}
		return err
	})
	return g.Wait()
}
