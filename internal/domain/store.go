package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the append-only position ledger.
type PositionStore interface {
	Append(ctx context.Context, pos Position) (int64, error)
	// OpenLot returns the OPEN/PYRAMIDING rows written after the most recent
	// CLOSED row for (user, asset), oldest first.
	OpenLot(ctx context.Context, userID int64, asset string, home, foreign Venue) ([]Position, error)
	ListByUser(ctx context.Context, userID int64, opts ListOpts) ([]Position, error)
	ListClosedSince(ctx context.Context, since time.Time, limit int) ([]Position, error)
}

// StrategyStore reads user strategies and writes their counters.
type StrategyStore interface {
	ListActive(ctx context.Context, home, foreign Venue) ([]StrategyConfig, error)
	Get(ctx context.Context, strategyID int64) (StrategyConfig, error)
	RecordEntry(ctx context.Context, strategyID int64, amount decimal.Decimal) error
	// RecordExit releases the closed lot's entries divisions. The counter is
	// shared by every asset of the strategy, so other open lots keep theirs.
	RecordExit(ctx context.Context, strategyID int64, entries int, amount, profit decimal.Decimal) error
}

// VenueAssetStore persists the venue metadata table.
type VenueAssetStore interface {
	UpsertBatch(ctx context.Context, assets []VenueAsset) error
	ListTransferable(ctx context.Context, venue Venue) ([]string, error)
}

// CredentialStore persists users' venue API keys.
type CredentialStore interface {
	Put(ctx context.Context, cred Credential) (int64, error)
	Get(ctx context.Context, id int64) (Credential, error)
}

// AlertStore is the operator audit trail.
type AlertStore interface {
	Insert(ctx context.Context, alert Alert) error
	List(ctx context.Context, opts ListOpts) ([]Alert, error)
}
