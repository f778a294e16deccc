package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/karbit/internal/blob/s3"
	"github.com/alanyoungcy/karbit/internal/cache/redis"
	"github.com/alanyoungcy/karbit/internal/codec"
	"github.com/alanyoungcy/karbit/internal/config"
	"github.com/alanyoungcy/karbit/internal/crypto"
	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/exchange"
	"github.com/alanyoungcy/karbit/internal/notify"
	"github.com/alanyoungcy/karbit/internal/platform/bybit"
	"github.com/alanyoungcy/karbit/internal/platform/upbit"
	"github.com/alanyoungcy/karbit/internal/store/postgres"
)

// taskQueueName is the Redis list carrying computeOpportunityBatch tasks.
const taskQueueName = "compute_opportunity"

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore   domain.PositionStore
	StrategyStore   domain.StrategyStore
	VenueAssetStore domain.VenueAssetStore
	CredentialStore domain.CredentialStore
	AlertStore      domain.AlertStore

	// Caches and messaging
	PriceCache    domain.PriceCache
	SnapshotCache domain.SnapshotCache
	TripleCache   domain.TripleCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus
	TaskQueue     domain.TaskQueue

	// Blob storage; nil unless the archive is enabled for this mode.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Venues
	Venues *exchange.Registry
	Pairs  []domain.VenuePair

	Codec    codec.Codec
	Notifier *notify.Notifier

	// Pingers maps a dependency name to its client for health checks and
	// worker reconnects.
	Pingers map[string]domain.Pinger
}

// needsS3 reports whether the mode runs the closed-ledger archiver.
func needsS3(cfg *config.Config) bool {
	if !cfg.Archive.Enabled {
		return false
	}
	switch cfg.Mode {
	case "scheduler", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Pingers: make(map[string]domain.Pinger)}

	pairs, err := cfg.VenuePairs()
	if err != nil {
		return fail("pairs", err)
	}
	deps.Pairs = pairs

	deps.Codec, err = codec.New(cfg.Pricing.Codec)
	if err != nil {
		return fail("codec", err)
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Pingers["postgres"] = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	vault, err := crypto.NewVault(cfg.Crypto.CredentialPassphrase)
	if err != nil {
		return fail("credential vault", err)
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.VenueAssetStore = postgres.NewVenueAssetStore(pool)
	deps.CredentialStore = postgres.NewCredentialStore(pool, vault)
	deps.AlertStore = postgres.NewAlertStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Pingers["redis"] = redisClient

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
	deps.TripleCache = redis.NewTripleCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.TaskQueue = redis.NewTaskQueue(redisClient, taskQueueName)

	// --- S3 blob storage ---
	if needsS3(cfg) {
		bucket, err := s3blob.Open(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Pingers["s3"] = bucket
		deps.BlobWriter = bucket
		deps.BlobReader = bucket
	}

	// --- Venues ---
	up := upbit.NewClient(cfg.Upbit.BaseURL, cfg.Upbit.AccessKey, cfg.Upbit.SecretKey, cfg.Upbit.Timeout.Duration)
	by := bybit.NewClient(cfg.Bybit.BaseURL, cfg.Bybit.APIKey, cfg.Bybit.APISecret,
		cfg.Bybit.RecvWindow, cfg.Bybit.Category, cfg.Bybit.Timeout.Duration)
	deps.Venues = exchange.NewRegistry(up, by, deps.CredentialStore)

	// --- Notifications ---
	var (
		chat    notify.ChatSender
		senders []notify.Sender
	)
	if cfg.Notify.TelegramToken != "" {
		bot := notify.NewTelegramBot(cfg.Notify.TelegramToken)
		chat = bot
		if cfg.Notify.OperatorChatID != "" {
			senders = append(senders, notify.NewTelegramSender(bot, cfg.Notify.OperatorChatID))
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(chat, senders, deps.AlertStore, cfg.Notify.Events, logger)
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}
