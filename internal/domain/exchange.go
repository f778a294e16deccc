package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketData is the unauthenticated part of a venue adapter.
type MarketData interface {
	Venue() Venue
	FetchOrderBook(ctx context.Context, asset string) (OrderBook, error)
	LotSizeStep(ctx context.Context, asset string) (decimal.Decimal, error)
	ListTradableAssets(ctx context.Context) ([]VenueAsset, error)
}

// Exchange is an authenticated, per-user venue adapter.
type Exchange interface {
	MarketData
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	FetchOrder(ctx context.Context, asset, orderID string) (Fill, error)
	SetLeverage(ctx context.Context, asset string, multiplier int) error
}

// MarginExchange is implemented by the foreign venue, which settles a
// closed position into a PnL record.
type MarginExchange interface {
	Exchange
	// ClosedPnL returns the record produced by the closing order orderID, or
	// ErrNotFound if the venue has not published it yet.
	ClosedPnL(ctx context.Context, asset, orderID string) (ClosedPnL, error)
}

// ReferencePricer returns the home-currency price of the foreign quote
// currency (KRW per USDT).
type ReferencePricer interface {
	ReferencePrice(ctx context.Context) (decimal.Decimal, error)
}
