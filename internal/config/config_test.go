package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8081" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPoolSize != 20 {
		t.Errorf("DBPoolSize = %d", cfg.DBPoolSize)
	}
	if cfg.DBHost != "localhost" || cfg.DBPort != 5432 {
		t.Errorf("db defaults = %s:%d", cfg.DBHost, cfg.DBPort)
	}
	if cfg.RateLimitWindowSec != 60 || cfg.RateLimitMax != 600 {
		t.Errorf("rate limit defaults = %d/%ds", cfg.RateLimitMax, cfg.RateLimitWindowSec)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("DB_POOL_SIZE", "5")
	t.Setenv("API_KEY_ENABLED", "false")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LIMIT_MAX", "0")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPoolSize != 5 {
		t.Errorf("DBPoolSize = %d", cfg.DBPoolSize)
	}
	if cfg.APIKeyEnabled {
		t.Error("APIKeyEnabled not overridden")
	}
	if cfg.RedisURL == "" {
		t.Error("RedisURL not read")
	}
	if cfg.RateLimitMax != 0 {
		t.Errorf("RateLimitMax = %d, want 0 (disabled)", cfg.RateLimitMax)
	}
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Setenv("DB_POOL_SIZE", "not-a-number")
	if cfg := Load(); cfg.DBPoolSize != 20 {
		t.Errorf("DBPoolSize = %d, want default", cfg.DBPoolSize)
	}
}

func TestPostgresURL(t *testing.T) {
	c := &Config{
		DBUser: "mirrorkv", DBPassword: "pw", DBHost: "db", DBPort: 5433,
		DBName: "sync", DBSSLMode: "disable", DBTimezone: "UTC",
	}
	want := "postgres://mirrorkv:pw@db:5433/sync?sslmode=disable&timezone=UTC"
	if got := c.PostgresURL(); got != want {
		t.Errorf("PostgresURL = %q, want %q", got, want)
	}

	c.DatabaseURL = "postgres://explicit/dsn"
	if got := c.PostgresURL(); got != c.DatabaseURL {
		t.Errorf("explicit DATABASE_URL not preferred: %q", got)
	}
}
