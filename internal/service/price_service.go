package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// PriceService serves the KRW-per-USDT reference price. Reads hit the price
// cache first; a miss triggers one venue fetch shared by all concurrent
// callers, and the result is cached for ttl.
type PriceService struct {
	pricer domain.ReferencePricer
	cache  domain.PriceCache
	symbol string
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewPriceService creates a PriceService. cache may be nil, in which case
// every call goes to the venue.
func NewPriceService(
	pricer domain.ReferencePricer,
	cache domain.PriceCache,
	symbol string,
	ttl time.Duration,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		pricer: pricer,
		cache:  cache,
		symbol: symbol,
		ttl:    ttl,
		logger: logger,
	}
}

// ReferencePrice implements domain.ReferencePricer.
func (s *PriceService) ReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	if s.cache != nil {
		price, _, err := s.cache.GetPrice(ctx, s.symbol)
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "price_service: cache read failed",
				slog.String("symbol", s.symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	v, err, _ := s.group.Do(s.symbol, func() (any, error) {
		price, err := s.pricer.ReferencePrice(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("non-positive price %s: %w", price, domain.ErrNoLiquidity)
		}
		if s.cache != nil {
			if setErr := s.cache.SetPrice(ctx, s.symbol, price, s.ttl); setErr != nil {
				s.logger.WarnContext(ctx, "price_service: cache write failed",
					slog.String("symbol", s.symbol),
					slog.String("error", setErr.Error()),
				)
			}
		}
		return price, nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("price_service: reference price %q: %w", s.symbol, err)
	}
	return v.(decimal.Decimal), nil
}

var _ domain.ReferencePricer = (*PriceService)(nil)
