package app

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	JWTSecret   string
	Port        string
	AppEnv      string
	SentryDSN   string
	RedisURL    string
	CronSecret  string

	TrustProxyHeaders bool

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	LoginMaxAttempts     int
	LoginLockDuration    time.Duration
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	IPRateLimitMax       int
	IPRateLimitWindow    time.Duration
	RateLimitSweep       time.Duration

	BcryptCost      int
	HashConcurrency int

	AdminUsername string
	AdminPassword string

	CleanupBatchSize int

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
}

// LoadConfig reads the process environment. Only DATABASE_URL and
// JWT_SECRET are required; everything else falls back to a default.
func LoadConfig() (Config, error) {
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL: databaseURL,
		JWTSecret:   jwtSecret,
		Port:        envOrDefault("PORT", "8080"),
		AppEnv:      envOrDefault("APP_ENV", "development"),
		SentryDSN:   strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		CronSecret:  strings.TrimSpace(os.Getenv("CRON_SECRET")),

		TrustProxyHeaders: EnvBoolOrDefault("TRUST_PROXY_HEADERS", false),

		AccessTokenTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTL: envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),

		LoginMaxAttempts:     envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockDuration:    envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		IPRateLimitMax:       envIntOrDefault("IP_RATE_LIMIT_MAX", 20),
		IPRateLimitWindow:    envSecondsOrDefault("IP_RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitSweep:       envSecondsOrDefault("RATE_LIMIT_SWEEP_SECONDS", 60),

		BcryptCost:      envIntOrDefault("BCRYPT_COST", 12),
		HashConcurrency: envIntOrDefault("HASH_CONCURRENCY", runtime.NumCPU()),

		AdminUsername: strings.TrimSpace(os.Getenv("ADMIN_USERNAME")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		CleanupBatchSize: envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
	}

	if (cfg.AdminUsername == "") != (strings.TrimSpace(cfg.AdminPassword) == "") {
		return Config{}, fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}

	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
