package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

// PositionService is the read side of the position ledger used by the API.
type PositionService struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(positions domain.PositionStore, logger *slog.Logger) *PositionService {
	return &PositionService{positions: positions, logger: logger}
}

// LotView is the open lot for one (user, asset, venue pair) with its
// aggregate. Summary is nil when no lot is open.
type LotView struct {
	Rows    []domain.Position
	Summary *settlement.LotSummary
}

// ListByUser returns a user's ledger rows, newest first.
func (s *PositionService) ListByUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.Position, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	rows, err := s.positions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list user %d: %w", userID, err)
	}
	return rows, nil
}

// Lot returns the open lot and its summary.
func (s *PositionService) Lot(ctx context.Context, userID int64, asset string, pair domain.VenuePair) (LotView, error) {
	rows, err := s.positions.OpenLot(ctx, userID, asset, pair.Home, pair.Foreign)
	if err != nil {
		return LotView{}, fmt.Errorf("position_service: open lot %d/%s: %w", userID, asset, err)
	}
	view := LotView{Rows: rows}
	if len(rows) == 0 {
		return view, nil
	}

	sum, err := settlement.Summarize(rows)
	switch {
	case errors.Is(err, settlement.ErrZeroVolume):
		s.logger.WarnContext(ctx, "position_service: lot has zero home volume",
			slog.Int64("user_id", userID),
			slog.String("asset", asset),
		)
	case err != nil:
		return LotView{}, fmt.Errorf("position_service: summarize %d/%s: %w", userID, asset, err)
	default:
		view.Summary = &sum
	}
	return view, nil
}
