// Package worker consumes computeOpportunityBatch tasks: it prices every
// triple of a batch, publishes the snapshots, and runs the trading decision
// for every subscribed user.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/karbit/internal/codec"
	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
	"github.com/alanyoungcy/karbit/internal/pricing"
	"github.com/alanyoungcy/karbit/internal/trading"
)

// Venues resolves market-data adapters. exchange.Registry implements it.
type Venues interface {
	MarketData(venue domain.Venue) (domain.MarketData, error)
}

// ReferencePrices serves the KRW-per-USDT price. service.PriceService
// implements it.
type ReferencePrices interface {
	ReferencePrice(ctx context.Context) (decimal.Decimal, error)
}

// Trader runs one decision. trading.Trader implements it.
type Trader interface {
	Evaluate(ctx context.Context, cfg domain.StrategyConfig, snap domain.ArbitrageSnapshot, ref decimal.Decimal) (trading.Outcome, error)
}

// Alerter records operator alerts. notify.Notifier implements it.
type Alerter interface {
	Alert(ctx context.Context, alert domain.Alert)
}

// Config tunes the worker.
type Config struct {
	Concurrency      int
	SoftTimeLimit    time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	VenueConcurrency int
	UserConcurrency  int
	DequeueTimeout   time.Duration
	// RequestsPerSec is the shared per-venue budget enforced through the
	// distributed rate limiter. Venues without an entry are unlimited.
	RequestsPerSec map[domain.Venue]int
	Channel        string
	TradingEnabled bool
}

// Deps groups the worker's collaborators.
type Deps struct {
	Queue      domain.TaskQueue
	Venues     Venues
	Prices     ReferencePrices
	Engine     *pricing.Engine
	Codec      codec.Codec
	Bus        domain.SignalBus
	Snapshots  domain.SnapshotCache
	Strategies domain.StrategyStore
	Trader     Trader
	Limiter    domain.RateLimiter
	Alerts     Alerter
	// Pingers are checked and reconnected before a retry.
	Pingers []domain.Pinger
}

// Worker processes batches from the task queue.
type Worker struct {
	cfg    Config
	deps   Deps
	sems   map[domain.Venue]*semaphore.Weighted
	semMu  sync.Mutex
	dedup  *Dedup
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Worker. Limiter, Alerts, Snapshots and Trader may be nil.
func New(cfg Config, deps Deps, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SoftTimeLimit <= 0 {
		cfg.SoftTimeLimit = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.VenueConcurrency <= 0 {
		cfg.VenueConcurrency = 4
	}
	if cfg.UserConcurrency <= 0 {
		cfg.UserConcurrency = 8
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "exchange_rate"
	}
	if deps.Engine == nil {
		deps.Engine = pricing.NewEngine(nil)
	}
	if deps.Codec == nil {
		deps.Codec = codec.JSON{}
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		sems:   make(map[domain.Venue]*semaphore.Weighted),
		dedup:  NewDedup(time.Minute),
		logger: logger.With(slog.String("component", "worker")),
		now:    time.Now,
	}
}

// Run starts cfg.Concurrency consumers and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker starting",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("soft_time_limit", w.cfg.SoftTimeLimit),
		slog.Bool("trading", w.cfg.TradingEnabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				w.dedup.Cleanup()
			}
		}
	})

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, id int) {
	log := w.logger.With(slog.Int("consumer", id))
	for ctx.Err() == nil {
		batch, err := w.deps.Queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WarnContext(ctx, "dequeue failed", slog.String("error", err.Error()))
			if errors.Is(err, domain.ErrTransient) {
				w.reconnect(ctx)
			}
			if sleepCtx(ctx, w.cfg.RetryBackoff) != nil {
				return
			}
			continue
		}
		_ = w.Handle(ctx, batch)
	}
}

// Handle runs one batch with expiry, retry and panic isolation. Transient
// infrastructure faults retry the whole batch up to MaxRetries times with
// exponential backoff; anything else fails it at once.
func (w *Worker) Handle(ctx context.Context, batch domain.Batch) (err error) {
	log := w.logger.With(slog.String("batch_id", batch.ID), slog.Int("triples", len(batch.Triples)))

	if batch.Expired(w.now()) {
		metrics.BatchesProcessed.WithLabelValues("expired").Inc()
		log.WarnContext(ctx, "discarding expired batch", slog.Time("expires_at", batch.ExpiresAt))
		return domain.ErrTaskExpired
	}

	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.BatchesProcessed.WithLabelValues("panic").Inc()
			log.ErrorContext(ctx, "batch panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			w.alert(ctx, domain.SeverityError, "batch panicked", map[string]any{
				"batch_id": batch.ID,
				"panic":    fmt.Sprint(r),
			})
			err = fmt.Errorf("worker: batch %s panicked: %v", batch.ID, r)
		}
	}()

	for attempt := 0; ; attempt++ {
		err = w.Process(ctx, batch)
		if err == nil {
			metrics.BatchesProcessed.WithLabelValues("ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			metrics.BatchesProcessed.WithLabelValues("cancelled").Inc()
			return err
		}
		if !errors.Is(err, domain.ErrTransient) || attempt >= w.cfg.MaxRetries {
			break
		}
		metrics.BatchRetries.Inc()
		backoff := w.cfg.RetryBackoff << attempt
		log.WarnContext(ctx, "transient failure, retrying batch",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if sleepCtx(ctx, backoff) != nil {
			return err
		}
		w.reconnect(ctx)
	}

	metrics.BatchesProcessed.WithLabelValues("failed").Inc()
	log.ErrorContext(ctx, "batch dropped", slog.String("error", err.Error()))
	w.alert(ctx, domain.SeverityError, "batch dropped", map[string]any{
		"batch_id": batch.ID,
		"error":    err.Error(),
	})
	return err
}

// reconnect pings every infrastructure client. The clients redial on their
// own; the ping surfaces whether they came back.
func (w *Worker) reconnect(ctx context.Context) {
	for _, p := range w.deps.Pingers {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p.Ping(pctx); err != nil {
			w.logger.WarnContext(ctx, "reconnect ping failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// alert forwards to the operator channel, suppressing repeats of the same
// message within the dedup window. Batch-scoped alerts are never suppressed.
func (w *Worker) alert(ctx context.Context, sev domain.AlertSeverity, message string, detail map[string]any) {
	if w.deps.Alerts == nil {
		return
	}
	key := message
	if t, ok := detail["triple"]; ok {
		key += "|" + fmt.Sprint(t)
	}
	if u, ok := detail["user_id"]; ok {
		key += "|" + fmt.Sprint(u)
	}
	if _, scoped := detail["batch_id"]; !scoped {
		ok, suppressed := w.dedup.Admit(key)
		if !ok {
			return
		}
		if suppressed > 0 {
			if detail == nil {
				detail = map[string]any{}
			}
			detail["suppressed_repeats"] = suppressed
		}
	}
	w.deps.Alerts.Alert(ctx, domain.Alert{
		Severity:  sev,
		Component: "worker",
		Message:   message,
		Detail:    detail,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
