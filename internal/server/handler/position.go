package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	ListByUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.Position, error)
	Lot(ctx context.Context, userID int64, asset string, pair domain.VenuePair) (service.LotView, error)
}

// PositionHandler serves the position ledger.
type PositionHandler struct {
	positions   PositionService
	defaultPair domain.VenuePair
	logger      *slog.Logger
}

// NewPositionHandler creates a PositionHandler. defaultPair is used by the
// lot endpoint when the request names no venues.
func NewPositionHandler(positions PositionService, defaultPair domain.VenuePair, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions:   positions,
		defaultPair: defaultPair,
		logger:      logHandler(logger, "position"),
	}
}

type positionResponse struct {
	ID              int64           `json:"id"`
	StrategyID      int64           `json:"strategy_id"`
	Asset           string          `json:"asset"`
	Status          string          `json:"status"`
	HomeExchange    domain.Venue    `json:"home_exchange"`
	HomeOrderID     string          `json:"home_order_id"`
	HomePrice       decimal.Decimal `json:"home_price"`
	HomeVolume      decimal.Decimal `json:"home_volume"`
	HomeFunds       decimal.Decimal `json:"home_funds"`
	HomeFee         decimal.Decimal `json:"home_fee"`
	ForeignExchange domain.Venue    `json:"foreign_exchange"`
	ForeignOrderID  string          `json:"foreign_order_id"`
	ForeignPrice    decimal.Decimal `json:"foreign_price"`
	ForeignVolume   decimal.Decimal `json:"foreign_volume"`
	ForeignFunds    decimal.Decimal `json:"foreign_funds"`
	ForeignFee      decimal.Decimal `json:"foreign_fee"`
	EntryRate       decimal.Decimal `json:"entry_rate"`
	ExitRate        decimal.Decimal `json:"exit_rate"`
	Profit          decimal.Decimal `json:"profit"`
	ProfitRate      decimal.Decimal `json:"profit_rate"`
	Leverage        int             `json:"leverage"`
	ReferencePrice  decimal.Decimal `json:"reference_price"`
	Unconfirmed     bool            `json:"unconfirmed,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toPositionResponse(p domain.Position) positionResponse {
	return positionResponse{
		ID:              p.ID,
		StrategyID:      p.StrategyID,
		Asset:           p.Asset,
		Status:          string(p.Status),
		HomeExchange:    p.HomeExchange,
		HomeOrderID:     p.HomeOrderID,
		HomePrice:       p.HomePrice,
		HomeVolume:      p.HomeVolume,
		HomeFunds:       p.HomeFunds,
		HomeFee:         p.HomeFee,
		ForeignExchange: p.ForeignExchange,
		ForeignOrderID:  p.ForeignOrderID,
		ForeignPrice:    p.ForeignPrice,
		ForeignVolume:   p.ForeignVolume,
		ForeignFunds:    p.ForeignFunds,
		ForeignFee:      p.ForeignFee,
		EntryRate:       p.EntryRate,
		ExitRate:        p.ExitRate,
		Profit:          p.Profit,
		ProfitRate:      p.ProfitRate,
		Leverage:        p.Leverage,
		ReferencePrice:  p.ReferencePrice,
		Unconfirmed:     p.Unconfirmed,
		CreatedAt:       p.CreatedAt,
	}
}

func toPositionResponses(rows []domain.Position) []positionResponse {
	out := make([]positionResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, toPositionResponse(p))
	}
	return out
}

// ListPositions returns a user's ledger rows, newest first. Supports limit,
// offset, since and until.
// GET /api/users/{id}/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.positions.ListByUser(r.Context(), userID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"positions": toPositionResponses(rows),
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

type lotSummaryResponse struct {
	Entries         int             `json:"entries"`
	WeightedRate    decimal.Decimal `json:"weighted_rate"`
	HomeVolume      decimal.Decimal `json:"home_volume"`
	HomeFunds       decimal.Decimal `json:"home_funds"`
	AvgHomePrice    decimal.Decimal `json:"avg_home_price"`
	ForeignVolume   decimal.Decimal `json:"foreign_volume"`
	ForeignFunds    decimal.Decimal `json:"foreign_funds"`
	AvgForeignPrice decimal.Decimal `json:"avg_foreign_price"`
}

type lotResponse struct {
	Asset   string              `json:"asset"`
	Home    domain.Venue        `json:"home_exchange"`
	Foreign domain.Venue        `json:"foreign_exchange"`
	Open    bool                `json:"open"`
	Summary *lotSummaryResponse `json:"summary,omitempty"`
	Rows    []positionResponse  `json:"rows"`
}

// GetLot returns the open lot for one asset with its weighted entry rate.
// GET /api/users/{id}/lot/{asset}?home=UPBIT&foreign=BYBIT
func (h *PositionHandler) GetLot(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(r.PathValue("asset")))
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset required")
		return
	}

	pair := h.defaultPair
	if v, err := parseVenue(r, "home"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if v != domain.VenueUnknown {
		pair.Home = v
	}
	if v, err := parseVenue(r, "foreign"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if v != domain.VenueUnknown {
		pair.Foreign = v
	}
	if pair.Home.Role() != domain.RoleHome || pair.Foreign.Role() != domain.RoleForeign {
		writeError(w, http.StatusBadRequest, "home and foreign must name a home and a foreign venue")
		return
	}

	view, err := h.positions.Lot(r.Context(), userID, asset, pair)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load lot failed",
			slog.Int64("user_id", userID),
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load lot")
		return
	}

	resp := lotResponse{
		Asset:   asset,
		Home:    pair.Home,
		Foreign: pair.Foreign,
		Open:    len(view.Rows) > 0,
		Rows:    toPositionResponses(view.Rows),
	}
	if s := view.Summary; s != nil {
		resp.Summary = &lotSummaryResponse{
			Entries:         s.Entries,
			WeightedRate:    s.WeightedRate,
			HomeVolume:      s.HomeVolume,
			HomeFunds:       s.HomeFunds,
			AvgHomePrice:    s.AvgHomePrice,
			ForeignVolume:   s.ForeignVolume,
			ForeignFunds:    s.ForeignFunds,
			AvgForeignPrice: s.AvgForeignPrice,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
