package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
	"github.com/alanyoungcy/karbit/internal/trading"
)

// Process prices the batch, publishes the snapshots and runs the trading
// decisions. The soft time limit stops new work; a trading decision already
// under way finishes on a detached context so a deadline never cuts a hedge
// in half.
func (w *Worker) Process(ctx context.Context, batch domain.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SoftTimeLimit)
	defer cancel()

	ref, err := w.deps.Prices.ReferencePrice(ctx)
	if err != nil {
		return fmt.Errorf("worker: reference price: %w", err)
	}

	snaps, err := w.price(ctx, batch.Triples)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		w.logger.DebugContext(ctx, "batch produced no snapshots", slog.String("batch_id", batch.ID))
		return nil
	}

	if err := w.publish(ctx, snaps); err != nil {
		return err
	}

	if !w.cfg.TradingEnabled || w.deps.Trader == nil || w.deps.Strategies == nil {
		return nil
	}
	return w.trade(ctx, snaps, ref)
}

type books struct {
	home, foreign domain.OrderBook
	homeErr       error
	foreignErr    error
}

// price fetches both books of every triple concurrently and builds one
// snapshot per triple whose books both arrived. A venue error skips the
// triple; a rate limiter fault fails the batch.
func (w *Worker) price(ctx context.Context, triples []domain.Triple) ([]domain.ArbitrageSnapshot, error) {
	results := make([]books, len(triples))

	g, gctx := errgroup.WithContext(ctx)
	for i, tr := range triples {
		g.Go(func() error {
			ob, infra, err := w.fetchBook(gctx, tr.Home, tr.Asset)
			if infra {
				return err
			}
			results[i].home, results[i].homeErr = ob, err
			return nil
		})
		g.Go(func() error {
			ob, infra, err := w.fetchBook(gctx, tr.Foreign, tr.Asset)
			if infra {
				return err
			}
			results[i].foreign, results[i].foreignErr = ob, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("worker: fetch books: %w", err)
	}

	snaps := make([]domain.ArbitrageSnapshot, 0, len(triples))
	for i, tr := range triples {
		r := results[i]
		if err := errors.Join(r.homeErr, r.foreignErr); err != nil {
			w.logger.WarnContext(ctx, "skipping triple",
				slog.String("triple", tr.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		snaps = append(snaps, w.deps.Engine.Snapshot(r.home, r.foreign))
	}
	return snaps, nil
}

// fetchBook takes a venue slot and a rate-limit token, then fetches. infra
// reports that the error came from the limiter rather than the venue.
func (w *Worker) fetchBook(ctx context.Context, venue domain.Venue, asset string) (ob domain.OrderBook, infra bool, err error) {
	md, err := w.deps.Venues.MarketData(venue)
	if err != nil {
		return domain.OrderBook{}, false, err
	}

	sem := w.semaphore(venue)
	if err := sem.Acquire(ctx, 1); err != nil {
		return domain.OrderBook{}, false, err
	}
	defer sem.Release(1)

	if rps := w.cfg.RequestsPerSec[venue]; rps > 0 && w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, "venue:"+venue.String(), rps, time.Second); err != nil {
			return domain.OrderBook{}, errors.Is(err, domain.ErrTransient), fmt.Errorf("rate limit %s: %w", venue, err)
		}
	}

	ob, err = md.FetchOrderBook(ctx, asset)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.OrderBookFetches.WithLabelValues(venue.String(), result).Inc()
	return ob, false, err
}

func (w *Worker) semaphore(venue domain.Venue) *semaphore.Weighted {
	w.semMu.Lock()
	defer w.semMu.Unlock()
	s, ok := w.sems[venue]
	if !ok {
		s = semaphore.NewWeighted(int64(w.cfg.VenueConcurrency))
		w.sems[venue] = s
	}
	return s
}

// publish sends all snapshots of the batch as one message and refreshes the
// latest-snapshot cache.
func (w *Worker) publish(ctx context.Context, snaps []domain.ArbitrageSnapshot) error {
	payload, err := w.deps.Codec.Encode(snaps)
	if err != nil {
		return fmt.Errorf("worker: encode snapshots: %w", err)
	}
	if err := w.deps.Bus.Publish(ctx, w.cfg.Channel, payload); err != nil {
		return fmt.Errorf("worker: publish: %w", err)
	}
	metrics.SnapshotsPublished.Add(float64(len(snaps)))

	if w.deps.Snapshots != nil {
		if err := w.deps.Snapshots.PutSnapshots(ctx, snaps); err != nil {
			return fmt.Errorf("worker: cache snapshots: %w", err)
		}
	}
	return nil
}

// trade evaluates every subscribed user. A user's snapshots run one after
// another so two assets never race for the same balance; distinct users run
// concurrently.
func (w *Worker) trade(ctx context.Context, snaps []domain.ArbitrageSnapshot, ref decimal.Decimal) error {
	type job struct {
		cfg   domain.StrategyConfig
		snaps []domain.ArbitrageSnapshot
	}
	subscribers := make(map[domain.VenuePair][]domain.StrategyConfig)
	jobs := make(map[int64]*job)
	var order []int64

	for _, snap := range snaps {
		pair := domain.VenuePair{Home: snap.HomeExchange, Foreign: snap.ForeignExchange}
		users, ok := subscribers[pair]
		if !ok {
			var err error
			users, err = w.deps.Strategies.ListActive(ctx, pair.Home, pair.Foreign)
			if err != nil {
				return fmt.Errorf("worker: list strategies %s/%s: %w", pair.Home, pair.Foreign, err)
			}
			subscribers[pair] = users
		}
		for _, cfg := range users {
			j, ok := jobs[cfg.StrategyID]
			if !ok {
				j = &job{cfg: cfg}
				jobs[cfg.StrategyID] = j
				order = append(order, cfg.StrategyID)
			}
			j.snaps = append(j.snaps, snap)
		}
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.UserConcurrency)
	for _, id := range order {
		j := jobs[id]
		g.Go(func() error {
			for _, snap := range j.snaps {
				if ctx.Err() != nil {
					return nil
				}
				w.evaluate(ctx, j.cfg, snap, ref)
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// evaluate runs one decision, converting errors and panics into logs and
// operator alerts so the rest of the batch proceeds.
func (w *Worker) evaluate(ctx context.Context, cfg domain.StrategyConfig, snap domain.ArbitrageSnapshot, ref decimal.Decimal) {
	triple := snap.Triple().String()
	log := w.logger.With(
		slog.Int64("user_id", cfg.UserID),
		slog.Int64("strategy_id", cfg.StrategyID),
		slog.String("triple", triple),
	)
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "trading decision panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			w.alert(ctx, domain.SeverityError, "trading decision panicked", map[string]any{
				"user_id": cfg.UserID,
				"triple":  triple,
				"panic":   fmt.Sprint(r),
			})
		}
	}()

	out, err := w.deps.Trader.Evaluate(context.WithoutCancel(ctx), cfg, snap, ref)
	if err != nil {
		log.ErrorContext(ctx, "trading decision failed",
			slog.String("state", string(out.State)),
			slog.String("error", err.Error()),
		)
		// partial executions are escalated by the trader itself
		if !errors.Is(err, trading.ErrUnhedged) && !errors.Is(err, trading.ErrUnconfirmedFill) {
			w.alert(ctx, domain.SeverityError, "trading decision failed", map[string]any{
				"user_id": cfg.UserID,
				"triple":  triple,
				"error":   err.Error(),
			})
		}
		return
	}
	if out.Action != trading.ActionNone {
		log.InfoContext(ctx, "trading decision",
			slog.String("action", string(out.Action)),
			slog.String("reason", string(out.Reason)),
			slog.String("state", string(out.State)),
		)
	}
}
