// Package config loads the server configuration from the environment.
// A local .env file is honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the fully resolved server configuration.
type Config struct {
	Env      string
	HTTPAddr string

	// Database: either a full URL or discrete connection fields.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBPoolSize  int
	DBSSLMode   string
	DBTimezone  string

	// Reserved for JWT-bearer credentials carrying the API-key secret.
	JWTSecret string
	JWTTTLMin int

	// API key issuance defaults (used by provisioning tooling).
	APIKeyEnabled        bool
	APIKeyPrefix         string
	APIKeyDefaultExpDays int

	// Optional cross-process fan-out.
	RedisURL string

	// Per-user rate limiting. A zero maximum disables the limiter.
	RateLimitWindowSec int
	RateLimitMax       int

	// CORS.
	CORSOrigin      string
	CORSCredentials bool

	// Logging.
	LogLevel  string
	LogFormat string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("var", k).Msg("invalid integer in environment, using default")
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

// Load reads the environment (and .env when present) into a Config.
func Load() *Config {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	return &Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8081"),

		DatabaseURL: env("DATABASE_URL", ""),
		DBHost:      env("DB_HOST", "localhost"),
		DBPort:      envInt("DB_PORT", 5432),
		DBUser:      env("DB_USER", "mirrorkv"),
		DBPassword:  env("DB_PASSWORD", ""),
		DBName:      env("DB_NAME", "mirrorkv"),
		DBPoolSize:  envInt("DB_POOL_SIZE", 20),
		DBSSLMode:   env("DB_SSLMODE", "disable"),
		DBTimezone:  env("DB_TIMEZONE", "UTC"),

		JWTSecret: env("JWT_SECRET", ""),
		JWTTTLMin: envInt("JWT_TTL_MINUTES", 60),

		APIKeyEnabled:        envBool("API_KEY_ENABLED", true),
		APIKeyPrefix:         env("API_KEY_PREFIX", "mk_"),
		APIKeyDefaultExpDays: envInt("API_KEY_DEFAULT_EXP_DAYS", 365),

		RedisURL: env("REDIS_URL", ""),

		RateLimitWindowSec: envInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMax:       envInt("RATE_LIMIT_MAX", 600),

		CORSOrigin:      env("CORS_ORIGIN", "*"),
		CORSCredentials: envBool("CORS_CREDENTIALS", false),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "json"),
	}
}

// PostgresURL returns DatabaseURL when set, otherwise a URL assembled
// from the discrete connection fields.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&timezone=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode, c.DBTimezone)
}
