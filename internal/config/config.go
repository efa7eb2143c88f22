// Package config defines the service configuration, its defaults and its
// validation rules.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Oracle    OracleConfig    `toml:"oracle"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Limits    LimitsConfig    `toml:"limits"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "json" or "text"
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	AdminToken      string   `toml:"admin_token"` // empty leaves /admin open
	CORSOrigins     []string `toml:"cors_origins"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL           string `toml:"url"` // empty selects the in-memory store
	RunMigrations bool   `toml:"run_migrations"`
}

type RedisConfig struct {
	URL      string   `toml:"url"` // empty disables caching
	CacheTTL duration `toml:"cache_ttl"`
}

type OracleConfig struct {
	BaseURL    string   `toml:"base_url"`
	Currency   string   `toml:"currency"`
	Timeout    duration `toml:"timeout"`
	CacheTTL   duration `toml:"cache_ttl"`
	MaxRetries int      `toml:"max_retries"`
	RetryWait  duration `toml:"retry_wait"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
}

type SchedulerConfig struct {
	Enabled       bool     `toml:"enabled"`
	ResolveSpec   string   `toml:"resolve_spec"`
	TrendSpec     string   `toml:"trend_spec"`
	Concurrency   int      `toml:"concurrency"`
	MarketTimeout duration `toml:"market_timeout"`
}

type LimitsConfig struct {
	MaxStakePerMarket   int64 `toml:"max_stake_per_market"`   // 0 disables
	MaxStakePerCategory int64 `toml:"max_stake_per_category"` // 0 disables
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a single in-memory instance
// against the public CoinGecko API.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Oracle: OracleConfig{
			BaseURL:    "https://api.coingecko.com/api/v3",
			Currency:   "usd",
			Timeout:    duration{10 * time.Second},
			CacheTTL:   duration{30 * time.Second},
			MaxRetries: 3,
			RetryWait:  duration{500 * time.Millisecond},
			RatePerSec: 5,
			Burst:      5,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			ResolveSpec:   "@every 1m",
			TrendSpec:     "@every 5m",
			Concurrency:   4,
			MarketTimeout: duration{30 * time.Second},
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validLogFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, "redis: url requires database.url (the cache wraps the PostgreSQL store)")
	}
	if c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.Oracle.BaseURL == "" {
		errs = append(errs, "oracle: base_url must not be empty")
	}
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, "oracle: timeout must be positive")
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, "oracle: max_retries must be >= 0")
	}
	if c.Oracle.RatePerSec <= 0 {
		errs = append(errs, "oracle: rate_per_sec must be positive")
	}
	if c.Oracle.Burst < 1 {
		errs = append(errs, "oracle: burst must be >= 1")
	}

	if c.Scheduler.Enabled {
		if _, err := cronParser.Parse(c.Scheduler.ResolveSpec); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler: invalid resolve_spec %q: %v", c.Scheduler.ResolveSpec, err))
		}
		if c.Scheduler.TrendSpec != "" {
			if _, err := cronParser.Parse(c.Scheduler.TrendSpec); err != nil {
				errs = append(errs, fmt.Sprintf("scheduler: invalid trend_spec %q: %v", c.Scheduler.TrendSpec, err))
			}
		}
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, "scheduler: concurrency must be >= 1")
	}

	if c.Limits.MaxStakePerMarket < 0 || c.Limits.MaxStakePerCategory < 0 {
		errs = append(errs, "limits: stake limits must be >= 0")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
