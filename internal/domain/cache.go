package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache holds short-lived reference prices.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// SnapshotCache keeps the most recent snapshot of every triple.
type SnapshotCache interface {
	PutSnapshots(ctx context.Context, snaps []ArbitrageSnapshot) error
	LatestSnapshots(ctx context.Context) ([]ArbitrageSnapshot, error)
}

// TripleCache holds the current tradable triple set computed by the
// metadata refresher.
type TripleCache interface {
	SetTriples(ctx context.Context, triples []Triple) error
	Triples(ctx context.Context) ([]Triple, error)
}

// RateLimiter is a sliding-window budget shared across processes. Venue
// calls are keyed by venue, API requests by client IP.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager serialises trade evaluations for one (user, asset) across
// workers. Acquire fails with ErrLockHeld when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus broadcasts encoded snapshot batches. Delivery is at most once;
// a late subscriber only sees later publishes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// TaskQueue carries computeOpportunityBatch tasks from the dispatcher to
// workers. Results are never returned through it.
type TaskQueue interface {
	Enqueue(ctx context.Context, batch Batch) error
	Dequeue(ctx context.Context, timeout time.Duration) (Batch, error)
	Len(ctx context.Context) (int64, error)
}

// Pinger is implemented by infrastructure clients that can verify and
// re-establish their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}
