package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"account-backend/internal/auth"
	"account-backend/internal/db"
	"account-backend/internal/maintenance"
	"account-backend/internal/observability"
	"account-backend/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  Config
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sqlx.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return assemble(cfg, database, logger, options.RunMigrations)
}

// assemble wires every component on top of an open database. The runtime
// owns database and closes it.
func assemble(cfg Config, database *sqlx.DB, logger *observability.Logger, runMigrations bool) (*Runtime, error) {
	if runMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	tokens, err := auth.NewTokenService([]byte(cfg.JWTSecret), cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token service: %w", err)
	}

	limiter, stopLimiter, err := newLimiter(cfg, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	closeAll := func() error {
		stopLimiter()
		observability.FlushSentry()
		logger.Sync()
		return database.Close()
	}

	authRepo := auth.NewRepository(database)
	hasher := auth.NewPasswordHasher(cfg.BcryptCost, cfg.HashConcurrency)
	authService := auth.NewService(authRepo, hasher, tokens, limiter)
	authService.WithSecurityConfig(
		cfg.LoginMaxAttempts,
		cfg.LoginLockDuration,
		cfg.LoginRateLimitMax,
		cfg.LoginRateLimitWindow,
	)
	authService.WithLogger(logger)

	if cfg.AdminUsername != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := authService.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword)
		cancel()
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	authHandler := auth.NewHandler(authService, tokens)
	loginLimiter := auth.NewLoginRateLimiter(limiter, cfg.IPRateLimitMax, cfg.IPRateLimitWindow).
		WithTrustedProxy(cfg.TrustProxyHeaders)
	cleanupHandler := maintenance.NewCleanupHandler(limiter, authRepo, logger, cfg.CronSecret, cfg.CleanupBatchSize)

	mux := http.NewServeMux()
	authHandler.Mount(mux, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

// newLimiter picks Redis when REDIS_URL is configured and the in-memory
// limiter otherwise. The returned stop func releases whatever was started.
func newLimiter(cfg Config, logger *observability.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}

		logger.Info("rate_limiter_ready", map[string]any{"backend": "redis"})
		return ratelimit.NewRedisLimiter(client, ""), func() { _ = client.Close() }, nil
	}

	limiter := ratelimit.NewMemoryLimiter()
	ctx, cancel := context.WithCancel(context.Background())
	go limiter.Run(ctx, cfg.RateLimitSweep)

	logger.Info("rate_limiter_ready", map[string]any{"backend": "memory"})
	return limiter, cancel, nil
}

func healthHandler(database *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

