package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then a .env file in the working directory (if present),
// then PMX_* environment overrides. The returned Config has NOT been
// validated; callers should invoke Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads PMX_* environment variables and overwrites the
// corresponding fields when a variable is set and non-empty. PORT,
// DATABASE_URL and REDIS_URL are honored for platform compatibility.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "PMX_SERVER_PORT")
	setStr(&cfg.Server.AdminToken, "PMX_SERVER_ADMIN_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "PMX_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ReadTimeout, "PMX_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "PMX_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PMX_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "PMX_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "PMX_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "PMX_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PMX_REDIS_CACHE_TTL")

	// ── Oracle ──
	setStr(&cfg.Oracle.BaseURL, "PMX_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.Currency, "PMX_ORACLE_CURRENCY")
	setDuration(&cfg.Oracle.Timeout, "PMX_ORACLE_TIMEOUT")
	setDuration(&cfg.Oracle.CacheTTL, "PMX_ORACLE_CACHE_TTL")
	setInt(&cfg.Oracle.MaxRetries, "PMX_ORACLE_MAX_RETRIES")
	setDuration(&cfg.Oracle.RetryWait, "PMX_ORACLE_RETRY_WAIT")
	setFloat64(&cfg.Oracle.RatePerSec, "PMX_ORACLE_RATE_PER_SEC")
	setInt(&cfg.Oracle.Burst, "PMX_ORACLE_BURST")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "PMX_SCHEDULER_ENABLED")
	setStr(&cfg.Scheduler.ResolveSpec, "PMX_SCHEDULER_RESOLVE_SPEC")
	setStr(&cfg.Scheduler.TrendSpec, "PMX_SCHEDULER_TREND_SPEC")
	setInt(&cfg.Scheduler.Concurrency, "PMX_SCHEDULER_CONCURRENCY")
	setDuration(&cfg.Scheduler.MarketTimeout, "PMX_SCHEDULER_MARKET_TIMEOUT")

	// ── Limits ──
	setInt64(&cfg.Limits.MaxStakePerMarket, "PMX_LIMITS_MAX_STAKE_PER_MARKET")
	setInt64(&cfg.Limits.MaxStakePerCategory, "PMX_LIMITS_MAX_STAKE_PER_CATEGORY")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PMX_LOG_LEVEL")
	setStr(&cfg.LogFormat, "PMX_LOG_FORMAT")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
