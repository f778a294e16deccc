// Package config defines the top-level configuration for karbit and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KARBIT_* environment variables.
type Config struct {
	Upbit     UpbitConfig     `toml:"upbit"`
	Bybit     BybitConfig     `toml:"bybit"`
	Pairs     []PairConfig    `toml:"pairs"`
	Pricing   PricingConfig   `toml:"pricing"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Worker    WorkerConfig    `toml:"worker"`
	Trading   TradingConfig   `toml:"trading"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Crypto    CryptoConfig    `toml:"crypto"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// UpbitConfig holds the home venue endpoint and the service account used for
// market data and the reference price.
type UpbitConfig struct {
	BaseURL        string   `toml:"base_url"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	RequestsPerSec int      `toml:"requests_per_sec"`
	Timeout        duration `toml:"timeout"`
}

// BybitConfig holds the foreign venue endpoint and service account.
type BybitConfig struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	RecvWindow     int      `toml:"recv_window"`
	Category       string   `toml:"category"`
	RequestsPerSec int      `toml:"requests_per_sec"`
	Timeout        duration `toml:"timeout"`
}

// PairConfig is one (home, foreign) venue pair to price.
type PairConfig struct {
	Home    string `toml:"home"`
	Foreign string `toml:"foreign"`
}

// PricingConfig holds the rate engine parameters.
type PricingConfig struct {
	// Grid is the notional ladder in home currency. Empty uses the built-in
	// 1M..100M ladder.
	Grid               []int64  `toml:"grid"`
	ReferenceSymbol    string   `toml:"reference_symbol"`
	ReferenceCacheTTL  duration `toml:"reference_cache_ttl"`
	StalenessTolerance float64  `toml:"staleness_tolerance"`
	// Codec selects the pub/sub payload encoding: "json" or "protowire".
	Codec string `toml:"codec"`
}

// SchedulerConfig holds dispatcher and metadata refresh parameters.
type SchedulerConfig struct {
	Interval         duration `toml:"interval"`
	BatchSize        int      `toml:"batch_size"`
	TaskExpiry       duration `toml:"task_expiry"`
	MetadataInterval duration `toml:"metadata_interval"`
	MaxPendingSubmit int      `toml:"max_pending_submit"`
}

// WorkerConfig holds batch consumer parameters.
type WorkerConfig struct {
	Concurrency      int      `toml:"concurrency"`
	SoftTimeLimit    duration `toml:"soft_time_limit"`
	MaxRetries       int      `toml:"max_retries"`
	RetryBackoff     duration `toml:"retry_backoff"`
	VenueConcurrency int      `toml:"venue_concurrency"`
	UserConcurrency  int      `toml:"user_concurrency"`
	DequeueTimeout   duration `toml:"dequeue_timeout"`
}

// TradingConfig holds decision state machine parameters.
type TradingConfig struct {
	Enabled          bool     `toml:"enabled"`
	FillPollDelay    duration `toml:"fill_poll_delay"`
	CallTimeout      duration `toml:"call_timeout"`
	LockTTL          duration `toml:"lock_ttl"`
	AutoEntryFactor  float64  `toml:"auto_entry_factor"`
	AutoExitFactor   float64  `toml:"auto_exit_factor"`
	BalanceRateScale int32    `toml:"balance_rate_scale"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the closed-ledger export to object storage.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
	MaxRows  int      `toml:"max_rows"`
}

// CryptoConfig holds the passphrase that protects stored venue credentials.
type CryptoConfig struct {
	CredentialPassphrase string `toml:"credential_passphrase"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"` // comma-separated; several keys allow rotation
	CORSOrigins []string `toml:"cors_origins"`
	// RequestsPerMin caps API requests per client IP. Zero disables it.
	RequestsPerMin int `toml:"requests_per_min"`
}

// NotifyConfig holds notification channel credentials. User messages go to
// each user's own chat; operator alerts go to OperatorChatID and Discord.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	OperatorChatID    string   `toml:"operator_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Upbit: UpbitConfig{
			BaseURL:        "https://api.upbit.com",
			RequestsPerSec: 8,
			Timeout:        duration{5 * time.Second},
		},
		Bybit: BybitConfig{
			BaseURL:        "https://api.bybit.com",
			RecvWindow:     5000,
			Category:       "linear",
			RequestsPerSec: 10,
			Timeout:        duration{5 * time.Second},
		},
		Pairs: []PairConfig{{Home: "upbit", Foreign: "bybit"}},
		Pricing: PricingConfig{
			ReferenceSymbol:    "USDT",
			ReferenceCacheTTL:  duration{time.Second},
			StalenessTolerance: 0.005,
			Codec:              "json",
		},
		Scheduler: SchedulerConfig{
			Interval:         duration{5 * time.Second},
			BatchSize:        10,
			TaskExpiry:       duration{5 * time.Second},
			MetadataInterval: duration{5 * time.Minute},
			MaxPendingSubmit: 4,
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			SoftTimeLimit:    duration{30 * time.Second},
			MaxRetries:       3,
			RetryBackoff:     duration{500 * time.Millisecond},
			VenueConcurrency: 5,
			UserConcurrency:  16,
			DequeueTimeout:   duration{2 * time.Second},
		},
		Trading: TradingConfig{
			Enabled:          true,
			FillPollDelay:    duration{500 * time.Millisecond},
			CallTimeout:      duration{5 * time.Second},
			LockTTL:          duration{20 * time.Second},
			AutoEntryFactor:  0.99,
			AutoExitFactor:   1.02,
			BalanceRateScale: 2,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "karbit",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         1,
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "karbit:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "karbit-ledger",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Prefix:   "positions/closed",
			MaxRows:  5000,
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RequestsPerMin: 300,
		},
		Notify: NotifyConfig{
			Events: []string{"entry", "exit", "guard", "staleness", "unhedged", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"scheduler": true,
	"worker":    true,
	"server":    true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCodecs = map[string]bool{
	"json":      true,
	"protowire": true,
}

// VenuePairs resolves the configured pairs into venue values.
func (c *Config) VenuePairs() ([]domain.VenuePair, error) {
	out := make([]domain.VenuePair, 0, len(c.Pairs))
	for i, p := range c.Pairs {
		home, err := domain.ParseVenue(p.Home)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].home: %w", i, err)
		}
		foreign, err := domain.ParseVenue(p.Foreign)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].foreign: %w", i, err)
		}
		if home.Role() != domain.RoleHome {
			return nil, fmt.Errorf("pairs[%d].home: %s is not a home-currency venue", i, home)
		}
		if foreign.Role() != domain.RoleForeign {
			return nil, fmt.Errorf("pairs[%d].foreign: %s is not a foreign venue", i, foreign)
		}
		out = append(out, domain.VenuePair{Home: home, Foreign: foreign})
	}
	return out, nil
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: scheduler, worker, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues
	if c.Upbit.BaseURL == "" {
		errs = append(errs, "upbit: base_url must not be empty")
	}
	if c.Bybit.BaseURL == "" {
		errs = append(errs, "bybit: base_url must not be empty")
	}
	if c.Upbit.RequestsPerSec < 1 || c.Bybit.RequestsPerSec < 1 {
		errs = append(errs, "upbit/bybit: requests_per_sec must be >= 1")
	}
	if len(c.Pairs) == 0 {
		errs = append(errs, "pairs: at least one venue pair is required")
	}
	if _, err := c.VenuePairs(); err != nil {
		errs = append(errs, err.Error())
	}

	// Pricing
	for i, n := range c.Pricing.Grid {
		if n <= 0 {
			errs = append(errs, fmt.Sprintf("pricing: grid[%d] must be > 0", i))
		}
	}
	if c.Pricing.StalenessTolerance <= 0 || c.Pricing.StalenessTolerance >= 1 {
		errs = append(errs, "pricing: staleness_tolerance must be in (0, 1)")
	}
	if !validCodecs[c.Pricing.Codec] {
		errs = append(errs, fmt.Sprintf("pricing: unknown codec %q (valid: json, protowire)", c.Pricing.Codec))
	}

	// Scheduler
	if c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler: interval must be > 0")
	}
	if c.Scheduler.BatchSize < 1 {
		errs = append(errs, "scheduler: batch_size must be >= 1")
	}
	if c.Scheduler.MetadataInterval.Duration <= 0 {
		errs = append(errs, "scheduler: metadata_interval must be > 0")
	}
	if c.Scheduler.MaxPendingSubmit < 1 {
		errs = append(errs, "scheduler: max_pending_submit must be >= 1")
	}

	// Worker
	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker: concurrency must be >= 1")
	}
	if c.Worker.SoftTimeLimit.Duration <= 0 {
		errs = append(errs, "worker: soft_time_limit must be > 0")
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, "worker: max_retries must be >= 0")
	}
	if c.Worker.VenueConcurrency < 1 || c.Worker.UserConcurrency < 1 {
		errs = append(errs, "worker: venue_concurrency and user_concurrency must be >= 1")
	}

	// Trading
	if c.Trading.AutoEntryFactor <= 0 || c.Trading.AutoExitFactor <= 0 {
		errs = append(errs, "trading: auto_entry_factor and auto_exit_factor must be > 0")
	}
	if c.Trading.LockTTL.Duration <= 0 {
		errs = append(errs, "trading: lock_ttl must be > 0")
	}
	needsCreds := c.Trading.Enabled && (mode == "worker" || mode == "full")
	if needsCreds && c.Crypto.CredentialPassphrase == "" {
		errs = append(errs, "crypto: credential_passphrase is required when trading is enabled")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RequestsPerMin < 0 {
			errs = append(errs, "server: requests_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
