// Package scheduler produces the work the workers consume: the Dispatcher
// turns the tradable triple set into expiring batch tasks on a fixed tick,
// and the Refresher keeps that set current from venue metadata.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
)

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	Interval   time.Duration
	BatchSize  int
	TaskExpiry time.Duration
	// MaxPendingSubmit bounds how many ticks may be submitting at once. A
	// tick that finds no free slot is dropped.
	MaxPendingSubmit int
}

// Dispatcher enqueues one batch task per BatchSize triples every Interval.
// Submission happens off the timer goroutine so a slow broker never delays
// the next tick.
type Dispatcher struct {
	cfg     DispatcherConfig
	queue   domain.TaskQueue
	triples domain.TripleCache
	pending *semaphore.Weighted
	wg      sync.WaitGroup
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig, queue domain.TaskQueue, triples domain.TripleCache, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.TaskExpiry <= 0 {
		cfg.TaskExpiry = 5 * time.Second
	}
	if cfg.MaxPendingSubmit <= 0 {
		cfg.MaxPendingSubmit = 2
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		triples: triples,
		pending: semaphore.NewWeighted(int64(cfg.MaxPendingSubmit)),
		logger:  logger.With(slog.String("component", "dispatcher")),
		now:     time.Now,
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight submissions.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher starting",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("batch_size", d.cfg.BatchSize),
	)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.ErrorContext(ctx, "dispatch tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick reads the triple set, partitions it and starts submitting. It
// returns without waiting for the broker.
func (d *Dispatcher) Tick(ctx context.Context) error {
	triples, err := d.triples.Triples(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.DebugContext(ctx, "no tradable triples yet")
		return nil
	}
	if err != nil {
		return err
	}
	if len(triples) == 0 {
		return nil
	}

	if !d.pending.TryAcquire(1) {
		metrics.TicksDropped.Inc()
		d.logger.WarnContext(ctx, "previous submissions still pending, dropping tick",
			slog.Int("triples", len(triples)),
		)
		return nil
	}

	now := d.now().UTC()
	batches := make([]domain.Batch, 0, len(triples)/d.cfg.BatchSize+1)
	for _, chunk := range Partition(triples, d.cfg.BatchSize) {
		batches = append(batches, domain.Batch{
			ID:         uuid.NewString(),
			Triples:    chunk,
			EnqueuedAt: now,
			ExpiresAt:  now.Add(d.cfg.TaskExpiry),
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.pending.Release(1)
		d.submit(context.WithoutCancel(ctx), batches)
	}()
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, batches []domain.Batch) {
	for _, b := range batches {
		// nothing is gained by enqueueing work the workers will discard
		if b.Expired(d.now()) {
			metrics.TicksDropped.Inc()
			d.logger.WarnContext(ctx, "batches expired before submission", slog.Int("remaining", len(batches)))
			return
		}
		if err := d.queue.Enqueue(ctx, b); err != nil {
			d.logger.ErrorContext(ctx, "enqueue failed",
				slog.String("batch_id", b.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.BatchesDispatched.Inc()
	}
}

// Wait blocks until every started submission has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Partition splits triples into consecutive chunks of at most size.
func Partition(triples []domain.Triple, size int) [][]domain.Triple {
	if size <= 0 {
		size = 1
	}
	out := make([][]domain.Triple, 0, (len(triples)+size-1)/size)
	for start := 0; start < len(triples); start += size {
		end := min(start+size, len(triples))
		out = append(out, triples[start:end:end])
	}
	return out
}
