package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/points-ledger/config"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"APP_PORT", "DB_DRIVER", "DB_PATH", "REDIS_URL", "BALANCE_CACHE_TTL", "LOG_LEVEL", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg := config.FromEnv()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "./data/points.db", cfg.DBPath)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 10*time.Minute, cfg.BalanceCacheTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.CORSAllowedOrigins, "no wildcard next to credentialed CORS")
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://points@localhost/points")
	t.Setenv("BALANCE_CACHE_TTL", "30s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com, ,https://app.example.com")

	cfg := config.FromEnv()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://points@localhost/points", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.BalanceCacheTTL)
	assert.Equal(t, []string{"https://admin.example.com", "https://app.example.com"}, cfg.CORSAllowedOrigins)
}

func TestFromEnv_BadNumbersFallBack(t *testing.T) {
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("BALANCE_CACHE_TTL", "soon")

	cfg := config.FromEnv()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.BalanceCacheTTL)
}
