package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KARBIT_* environment variable overrides, and
// returns the final Config. Keys the file sets that no field accepts, and
// override variables that do not parse, are errors. The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	env := envReader{lookup: os.Getenv}
	env.apply(&cfg)
	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return &cfg, nil
}

// envReader applies KARBIT_* overrides. Unset or empty variables leave the
// field alone; malformed ones are collected in errs. Venue keys and
// passphrases are expected to arrive this way.
type envReader struct {
	lookup func(string) string
	errs   []error
}

func (e *envReader) apply(cfg *Config) {
	// ── Upbit ──
	e.str(&cfg.Upbit.BaseURL, "KARBIT_UPBIT_BASE_URL")
	e.str(&cfg.Upbit.AccessKey, "KARBIT_UPBIT_ACCESS_KEY")
	e.str(&cfg.Upbit.SecretKey, "KARBIT_UPBIT_SECRET_KEY")
	e.int(&cfg.Upbit.RequestsPerSec, "KARBIT_UPBIT_REQUESTS_PER_SEC")
	e.dur(&cfg.Upbit.Timeout, "KARBIT_UPBIT_TIMEOUT")

	// ── Bybit ──
	e.str(&cfg.Bybit.BaseURL, "KARBIT_BYBIT_BASE_URL")
	e.str(&cfg.Bybit.APIKey, "KARBIT_BYBIT_API_KEY")
	e.str(&cfg.Bybit.APISecret, "KARBIT_BYBIT_API_SECRET")
	e.int(&cfg.Bybit.RecvWindow, "KARBIT_BYBIT_RECV_WINDOW")
	e.int(&cfg.Bybit.RequestsPerSec, "KARBIT_BYBIT_REQUESTS_PER_SEC")
	e.dur(&cfg.Bybit.Timeout, "KARBIT_BYBIT_TIMEOUT")

	// ── Pricing ──
	e.int64s(&cfg.Pricing.Grid, "KARBIT_PRICING_GRID")
	e.float(&cfg.Pricing.StalenessTolerance, "KARBIT_PRICING_STALENESS_TOLERANCE")
	e.str(&cfg.Pricing.Codec, "KARBIT_PRICING_CODEC")

	// ── Scheduler ──
	e.dur(&cfg.Scheduler.Interval, "KARBIT_SCHEDULER_INTERVAL")
	e.int(&cfg.Scheduler.BatchSize, "KARBIT_SCHEDULER_BATCH_SIZE")
	e.dur(&cfg.Scheduler.TaskExpiry, "KARBIT_SCHEDULER_TASK_EXPIRY")
	e.dur(&cfg.Scheduler.MetadataInterval, "KARBIT_SCHEDULER_METADATA_INTERVAL")

	// ── Worker ──
	e.int(&cfg.Worker.Concurrency, "KARBIT_WORKER_CONCURRENCY")
	e.dur(&cfg.Worker.SoftTimeLimit, "KARBIT_WORKER_SOFT_TIME_LIMIT")
	e.int(&cfg.Worker.MaxRetries, "KARBIT_WORKER_MAX_RETRIES")
	e.dur(&cfg.Worker.RetryBackoff, "KARBIT_WORKER_RETRY_BACKOFF")
	e.int(&cfg.Worker.VenueConcurrency, "KARBIT_WORKER_VENUE_CONCURRENCY")
	e.int(&cfg.Worker.UserConcurrency, "KARBIT_WORKER_USER_CONCURRENCY")

	// ── Trading ──
	e.bool(&cfg.Trading.Enabled, "KARBIT_TRADING_ENABLED")
	e.dur(&cfg.Trading.FillPollDelay, "KARBIT_TRADING_FILL_POLL_DELAY")
	e.dur(&cfg.Trading.CallTimeout, "KARBIT_TRADING_CALL_TIMEOUT")
	e.dur(&cfg.Trading.LockTTL, "KARBIT_TRADING_LOCK_TTL")

	// ── Postgres ──
	e.str(&cfg.Postgres.DSN, "KARBIT_POSTGRES_DSN")
	e.str(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	e.str(&cfg.Postgres.Host, "KARBIT_POSTGRES_HOST")
	e.int(&cfg.Postgres.Port, "KARBIT_POSTGRES_PORT")
	e.str(&cfg.Postgres.Database, "KARBIT_POSTGRES_DATABASE")
	e.str(&cfg.Postgres.User, "KARBIT_POSTGRES_USER")
	e.str(&cfg.Postgres.Password, "KARBIT_POSTGRES_PASSWORD")
	e.str(&cfg.Postgres.SSLMode, "KARBIT_POSTGRES_SSL_MODE")
	e.int(&cfg.Postgres.PoolMaxConns, "KARBIT_POSTGRES_POOL_MAX_CONNS")
	e.int(&cfg.Postgres.PoolMinConns, "KARBIT_POSTGRES_POOL_MIN_CONNS")
	e.bool(&cfg.Postgres.RunMigrations, "KARBIT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	e.str(&cfg.Redis.Addr, "KARBIT_REDIS_ADDR")
	e.str(&cfg.Redis.Addr, "REDIS_HOST") // compatibility alias
	e.str(&cfg.Redis.Password, "KARBIT_REDIS_PASSWORD")
	e.int(&cfg.Redis.DB, "KARBIT_REDIS_DB")
	e.int(&cfg.Redis.PoolSize, "KARBIT_REDIS_POOL_SIZE")
	e.int(&cfg.Redis.MaxRetries, "KARBIT_REDIS_MAX_RETRIES")
	e.bool(&cfg.Redis.TLSEnabled, "KARBIT_REDIS_TLS_ENABLED")

	// ── S3 / Archive ──
	e.str(&cfg.S3.Endpoint, "KARBIT_S3_ENDPOINT")
	e.str(&cfg.S3.Region, "KARBIT_S3_REGION")
	e.str(&cfg.S3.Bucket, "KARBIT_S3_BUCKET")
	e.str(&cfg.S3.AccessKey, "KARBIT_S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "KARBIT_S3_SECRET_KEY")
	e.bool(&cfg.S3.UseSSL, "KARBIT_S3_USE_SSL")
	e.bool(&cfg.S3.ForcePathStyle, "KARBIT_S3_FORCE_PATH_STYLE")
	e.bool(&cfg.Archive.Enabled, "KARBIT_ARCHIVE_ENABLED")
	e.dur(&cfg.Archive.Interval, "KARBIT_ARCHIVE_INTERVAL")

	// ── Crypto ──
	e.str(&cfg.Crypto.CredentialPassphrase, "KARBIT_CRYPTO_CREDENTIAL_PASSPHRASE")

	// ── Server ──
	e.bool(&cfg.Server.Enabled, "KARBIT_SERVER_ENABLED")
	e.int(&cfg.Server.Port, "KARBIT_SERVER_PORT")
	e.str(&cfg.Server.APIKey, "KARBIT_SERVER_API_KEY")
	e.strs(&cfg.Server.CORSOrigins, "KARBIT_SERVER_CORS_ORIGINS")
	e.int(&cfg.Server.RequestsPerMin, "KARBIT_SERVER_REQUESTS_PER_MIN")

	// ── Notify ──
	e.str(&cfg.Notify.TelegramToken, "KARBIT_NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.OperatorChatID, "KARBIT_NOTIFY_OPERATOR_CHAT_ID")
	e.str(&cfg.Notify.DiscordWebhookURL, "KARBIT_NOTIFY_DISCORD_WEBHOOK_URL")
	e.strs(&cfg.Notify.Events, "KARBIT_NOTIFY_EVENTS")

	// ── Top-level ──
	e.str(&cfg.Mode, "KARBIT_MODE")
	e.str(&cfg.LogLevel, "KARBIT_LOG_LEVEL")
}

func (e *envReader) parse(key string, set func(v string) error) {
	v := strings.TrimSpace(e.lookup(key))
	if v == "" {
		return
	}
	if err := set(v); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
	}
}

func (e *envReader) str(dst *string, key string) {
	e.parse(key, func(v string) error { *dst = v; return nil })
}

func (e *envReader) int(dst *int, key string) {
	e.parse(key, func(v string) (err error) { *dst, err = strconv.Atoi(v); return })
}

func (e *envReader) float(dst *float64, key string) {
	e.parse(key, func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return })
}

func (e *envReader) bool(dst *bool, key string) {
	e.parse(key, func(v string) (err error) { *dst, err = strconv.ParseBool(v); return })
}

func (e *envReader) dur(dst *duration, key string) {
	e.parse(key, func(v string) (err error) { dst.Duration, err = time.ParseDuration(v); return })
}

func (e *envReader) strs(dst *[]string, key string) {
	e.parse(key, func(v string) error {
		*dst = splitList(v)
		return nil
	})
}

func (e *envReader) int64s(dst *[]int64, key string) {
	e.parse(key, func(v string) error {
		parts := splitList(v)
		out := make([]int64, len(parts))
		for i, p := range parts {
			n, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return err
			}
			out[i] = n
		}
		*dst = out
		return nil
	})
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
