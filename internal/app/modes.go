package app

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/karbit/internal/blob/s3"
	"github.com/alanyoungcy/karbit/internal/cache/redis"
	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/pricing"
	"github.com/alanyoungcy/karbit/internal/scheduler"
	"github.com/alanyoungcy/karbit/internal/server"
	"github.com/alanyoungcy/karbit/internal/server/handler"
	"github.com/alanyoungcy/karbit/internal/server/ws"
	"github.com/alanyoungcy/karbit/internal/service"
	"github.com/alanyoungcy/karbit/internal/trading"
	"github.com/alanyoungcy/karbit/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// SchedulerMode runs the metadata refresher, the batch dispatcher and, when
// enabled, the closed-ledger archiver. Run exactly one scheduler per queue.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	return g.Wait()
}

// WorkerMode consumes batches, prices them, publishes snapshots and trades.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorker(ctx, g, deps)
	return g.Wait()
}

// ServerMode serves the HTTP API and the snapshot relay.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs every component in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	a.startWorker(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	venues := make([]domain.MarketData, 0, 2)
	for _, v := range pairVenues(deps.Pairs) {
		md, err := deps.Venues.MarketData(v)
		if err != nil {
			a.logger.WarnContext(ctx, "no market data adapter", slog.String("venue", v.String()))
			continue
		}
		venues = append(venues, md)
	}

	refresher := scheduler.NewRefresher(
		venues,
		deps.VenueAssetStore,
		deps.TripleCache,
		deps.Pairs,
		a.cfg.Scheduler.MetadataInterval.Duration,
		a.logger,
	)
	g.Go(func() error { return refresher.Run(ctx) })

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Interval:         a.cfg.Scheduler.Interval.Duration,
		BatchSize:        a.cfg.Scheduler.BatchSize,
		TaskExpiry:       a.cfg.Scheduler.TaskExpiry.Duration,
		MaxPendingSubmit: a.cfg.Scheduler.MaxPendingSubmit,
	}, deps.TaskQueue, deps.TripleCache, a.logger)
	g.Go(func() error { return dispatcher.Run(ctx) })

	if deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.PositionStore,
			a.cfg.Archive.Prefix,
			a.cfg.Archive.MaxRows,
			a.cfg.Archive.Interval.Duration,
			a.logger,
		)
		g.Go(func() error { return archiver.Run(ctx) })
	}
}

func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	prices := service.NewPriceService(
		deps.Venues.ReferencePricer(),
		deps.PriceCache,
		a.cfg.Pricing.ReferenceSymbol,
		a.cfg.Pricing.ReferenceCacheTTL.Duration,
		a.logger,
	)

	staleness := decimal.NewFromFloat(a.cfg.Pricing.StalenessTolerance)
	trader := trading.NewTrader(trading.Config{
		FillPollDelay:      a.cfg.Trading.FillPollDelay.Duration,
		CallTimeout:        a.cfg.Trading.CallTimeout.Duration,
		LockTTL:            a.cfg.Trading.LockTTL.Duration,
		AutoEntryFactor:    decimal.NewFromFloat(a.cfg.Trading.AutoEntryFactor),
		AutoExitFactor:     decimal.NewFromFloat(a.cfg.Trading.AutoExitFactor),
		BalanceRateScale:   a.cfg.Trading.BalanceRateScale,
		StalenessTolerance: staleness,
	}, deps.Venues, deps.PositionStore, deps.StrategyStore, deps.LockManager, deps.Notifier, a.logger)

	pingers := make([]domain.Pinger, 0, len(deps.Pingers))
	for _, name := range sortedKeys(deps.Pingers) {
		pingers = append(pingers, deps.Pingers[name])
	}

	w := worker.New(worker.Config{
		Concurrency:      a.cfg.Worker.Concurrency,
		SoftTimeLimit:    a.cfg.Worker.SoftTimeLimit.Duration,
		MaxRetries:       a.cfg.Worker.MaxRetries,
		RetryBackoff:     a.cfg.Worker.RetryBackoff.Duration,
		VenueConcurrency: a.cfg.Worker.VenueConcurrency,
		UserConcurrency:  a.cfg.Worker.UserConcurrency,
		DequeueTimeout:   a.cfg.Worker.DequeueTimeout.Duration,
		RequestsPerSec: map[domain.Venue]int{
			domain.VenueUpbit: a.cfg.Upbit.RequestsPerSec,
			domain.VenueBybit: a.cfg.Bybit.RequestsPerSec,
		},
		Channel:        redis.ChannelExchangeRate,
		TradingEnabled: a.cfg.Trading.Enabled,
	}, worker.Deps{
		Queue:      deps.TaskQueue,
		Venues:     deps.Venues,
		Prices:     prices,
		Engine:     pricing.NewEngine(grid(a.cfg.Pricing.Grid)),
		Codec:      deps.Codec,
		Bus:        deps.SignalBus,
		Snapshots:  deps.SnapshotCache,
		Strategies: deps.StrategyStore,
		Trader:     trader,
		Limiter:    deps.RateLimiter,
		Alerts:     deps.Notifier,
		Pingers:    pingers,
	}, a.logger)
	g.Go(func() error { return w.Run(ctx) })
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var defaultPair domain.VenuePair
	if len(deps.Pairs) > 0 {
		defaultPair = deps.Pairs[0]
	}

	hub := ws.NewHub(deps.SignalBus, deps.Codec, deps.SnapshotCache, redis.ChannelExchangeRate, a.logger)
	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RequestsPerMin:  a.cfg.Server.RequestsPerMin,
		ShutdownTimeout: shutdownTimeout,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Pingers, a.logger),
		Snapshots: handler.NewSnapshotHandler(deps.SnapshotCache, a.logger),
		Positions: handler.NewPositionHandler(service.NewPositionService(deps.PositionStore, a.logger), defaultPair, a.logger),
		Alerts:    handler.NewAlertHandler(deps.AlertStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
}

// pairVenues returns each venue named by pairs once, in pair order.
func pairVenues(pairs []domain.VenuePair) []domain.Venue {
	seen := make(map[domain.Venue]bool)
	var out []domain.Venue
	for _, p := range pairs {
		for _, v := range []domain.Venue{p.Home, p.Foreign} {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// grid converts the configured ladder. An empty ladder selects the default.
func grid(notionals []int64) []decimal.Decimal {
	if len(notionals) == 0 {
		return nil
	}
	out := make([]decimal.Decimal, len(notionals))
	for i, n := range notionals {
		out[i] = decimal.NewFromInt(n)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
