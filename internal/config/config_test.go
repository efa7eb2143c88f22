package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearPlatformEnv blanks the unprefixed variables a CI host may set.
func clearPlatformEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "@every 1m", cfg.Scheduler.ResolveSpec)
	assert.Equal(t, 30*time.Second, cfg.Oracle.CacheTTL.Duration)
}

func TestLoad_TOMLFile(t *testing.T) {
	clearPlatformEnv(t)
	path := filepath.Join(t.TempDir(), "pmx.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9090
admin_token = "secret"
cors_origins = ["https://app.example.com"]

[oracle]
cache_ttl = "2m"
rate_per_sec = 1.5

[scheduler]
resolve_spec = "*/5 * * * *"
concurrency = 8

[limits]
max_stake_per_market = 5000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AdminToken)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Oracle.CacheTTL.Duration)
	assert.InDelta(t, 1.5, cfg.Oracle.RatePerSec, 1e-9)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.ResolveSpec)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, int64(5000), cfg.Limits.MaxStakePerMarket)

	// Untouched sections keep their defaults.
	assert.Equal(t, "usd", cfg.Oracle.Currency)
	assert.Equal(t, "@every 5m", cfg.Scheduler.TrendSpec)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearPlatformEnv(t)
	t.Setenv("PMX_SERVER_PORT", "7000")
	t.Setenv("PMX_DATABASE_URL", "postgres://localhost/pmx")
	t.Setenv("PMX_REDIS_CACHE_TTL", "45s")
	t.Setenv("PMX_SERVER_CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("PMX_SCHEDULER_ENABLED", "false")
	t.Setenv("PMX_LIMITS_MAX_STAKE_PER_CATEGORY", "10000")
	t.Setenv("PMX_ORACLE_MAX_RETRIES", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/pmx", cfg.Database.URL)
	assert.Equal(t, 45*time.Second, cfg.Redis.CacheTTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, int64(10000), cfg.Limits.MaxStakePerCategory)
	assert.Equal(t, 3, cfg.Oracle.MaxRetries, "unparsable values are ignored")
}

func TestLoad_PlatformAliases(t *testing.T) {
	clearPlatformEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("DATABASE_URL", "postgres://db/pmx")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "postgres://db/pmx", cfg.Database.URL)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Server.Port = 0
	cfg.Redis.URL = "redis://localhost:6379"
	cfg.Oracle.RatePerSec = 0
	cfg.Scheduler.ResolveSpec = "whenever"
	cfg.Limits.MaxStakePerMarket = -1

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "log_level")
	assert.Contains(t, msg, "port")
	assert.Contains(t, msg, "database.url")
	assert.Contains(t, msg, "rate_per_sec")
	assert.Contains(t, msg, "resolve_spec")
	assert.Contains(t, msg, "stake limits")
}

func TestValidate_DisabledSchedulerSkipsSpec(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.ResolveSpec = "whenever"
	assert.NoError(t, cfg.Validate())
}
