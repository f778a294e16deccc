package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/notify"
	"github.com/alanyoungcy/karbit/internal/pricing"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

// exit unwinds the whole open lot: sell the home volume, buy back the
// foreign short, then settle.
func (t *Trader) exit(ctx context.Context, p *plan) (Outcome, error) {
	cfg := p.cfg
	asset := p.asset()
	rate := *p.quote.ExitRate

	unlock, err := t.lock(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	if unlock == nil {
		return aborted(ReasonLocked), nil
	}
	defer unlock()

	// The volumes sold below come from the lot, so it must be the one on the
	// ledger now, not the one read before the lock.
	changed, err := t.reloadLot(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	if changed || p.sum == nil {
		p.log.InfoContext(ctx, "exit cancelled: lot changed", slog.Int("entries", len(p.lot)))
		return aborted(ReasonLotChanged), nil
	}

	r1, ok, err := t.recheck(ctx, p, true)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return aborted(ReasonRecheckFailed), nil
	}
	if !pricing.WithinDrift(rate, r1, t.cfg.StalenessTolerance) {
		p.log.WarnContext(ctx, "exit cancelled: rate moved",
			slog.String("signal_rate", rate.String()),
			slog.String("recheck_rate", r1.String()),
		)
		t.notifyUser(ctx, p, notify.EventStaleness, staleMessage(cfg, asset, "Exit", rate, r1))
		return aborted(ReasonStale), nil
	}

	home, err := t.venues.ForUser(ctx, cfg.UserID, cfg.HomeExchange, cfg.HomeCredRef)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: home adapter: %w", err)
	}
	foreign, err := t.venues.MarginForUser(ctx, cfg.UserID, cfg.ForeignExchange, cfg.ForeignCredRef)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: foreign adapter: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	homeID, err := home.PlaceOrder(cctx, domain.OrderRequest{
		Asset:  asset,
		Side:   domain.OrderSideSell,
		Volume: p.sum.HomeVolume,
	})
	cancel()
	if err != nil {
		t.notifyUser(ctx, p, notify.EventError, failureMessage(cfg, asset, "Exit", "home_order_failed"))
		return Outcome{}, fmt.Errorf("trading: home sell: %w", err)
	}
	if homeID == "" {
		t.missingHomeOrderID(ctx, p, "Exit")
		return aborted(ReasonMissingOrderID), nil
	}

	// The home leg is gone from here on; the short must be closed too.
	cctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
	foreignID, err := foreign.PlaceOrder(cctx, domain.OrderRequest{
		Asset:      asset,
		Side:       domain.OrderSideBuy,
		Volume:     p.sum.ForeignVolume,
		ReduceOnly: true,
	})
	cancel()
	if err == nil && foreignID == "" {
		err = domain.ErrMissingOrderID
	}
	if err != nil {
		return t.unhedged(ctx, p, StateExiting, homeID, p.sum.HomeVolume, fmt.Errorf("foreign buy-back: %w", err))
	}

	// Both legs are placed. Whatever happens next, the lot is closed on the
	// venues and the ledger has to say so.
	homeFill, homeErr := t.confirmFill(ctx, home, asset, homeID)
	foreignFill, foreignErr := t.confirmFill(ctx, foreign, asset, foreignID)
	if fillErr := errors.Join(homeErr, foreignErr); fillErr != nil {
		return t.closeUnconfirmed(ctx, p, homeID, foreignID, homeFill, foreignFill, r1, fillErr)
	}

	fill := settlement.ExitFill{Home: homeFill, Foreign: foreignFill}
	cctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
	pnl, err := foreign.ClosedPnL(cctx, asset, foreignID)
	cancel()
	switch {
	case err == nil && pnl.OrderID == foreignID:
		fill.PnL = &pnl
	case err == nil:
		p.log.WarnContext(ctx, "closed pnl belongs to another order, settling from fills",
			slog.String("pnl_order_id", pnl.OrderID))
	case errors.Is(err, domain.ErrNotFound):
	default:
		p.log.WarnContext(ctx, "closed pnl unavailable, settling from fills", slog.String("error", err.Error()))
	}

	st, err := settlement.Settle(p.lot, fill, p.ref)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: settle: %w", err)
	}

	pos := t.closeRow(p, homeID, foreignID, homeFill, foreignFill)
	pos.EntryRate = st.Lot.WeightedRate
	pos.ExitRate = st.ExitRate
	pos.Profit = st.Profit
	pos.ProfitRate = st.ProfitRate

	if err := t.persistExit(ctx, p, &pos); err != nil {
		return Outcome{}, err
	}

	p.log.InfoContext(ctx, "exit executed",
		slog.String("exit_rate", st.ExitRate.String()),
		slog.String("profit", st.Profit.String()),
		slog.String("profit_rate", st.ProfitRate.String()),
		slog.Int("entries", st.Lot.Entries),
	)
	t.notifyUser(ctx, p, notify.EventExit, exitMessage(cfg, asset, st, p.ref))
	return Outcome{Action: ActionExited, State: StateClosed, Position: &pos, Settlement: &st}, nil
}

// confirmFill polls an order placed on a venue. A read that succeeds but
// shows no execution is treated as unconfirmed.
func (t *Trader) confirmFill(ctx context.Context, ex domain.Exchange, asset, orderID string) (domain.Fill, error) {
	fill, err := t.pollFill(ctx, ex, asset, orderID)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	if !fill.Filled() {
		return domain.Fill{}, fmt.Errorf("order %s: %w", orderID, errNoFills)
	}
	return fill, nil
}

// closeUnconfirmed writes the CLOSED row when a fill of a placed exit leg
// could not be read. Legs without a fill carry the lot's volume; profit is
// left at zero for the operator to reconcile.
func (t *Trader) closeUnconfirmed(ctx context.Context, p *plan, homeID, foreignID string, homeFill, foreignFill domain.Fill, rate decimal.Decimal, cause error) (Outcome, error) {
	if !homeFill.Filled() {
		homeFill = domain.Fill{Volume: p.sum.HomeVolume}
	}
	if !foreignFill.Filled() {
		foreignFill = domain.Fill{Volume: p.sum.ForeignVolume}
	}
	pos := t.closeRow(p, homeID, foreignID, homeFill, foreignFill)
	pos.Unconfirmed = true
	pos.EntryRate = p.sum.WeightedRate
	pos.ExitRate = pricing.RoundRate(rate)

	if err := t.persistExit(ctx, p, &pos); err != nil {
		return Outcome{}, errors.Join(err, cause)
	}
	t.unconfirmed(ctx, p, "Exit", &pos, cause)
	out := Outcome{Action: ActionExited, State: StateClosed, Position: &pos}
	return out, fmt.Errorf("%w: home order %s, foreign order %s: %w", ErrUnconfirmedFill, homeID, foreignID, cause)
}

func (t *Trader) closeRow(p *plan, homeID, foreignID string, homeFill, foreignFill domain.Fill) domain.Position {
	return domain.Position{
		UserID:          p.cfg.UserID,
		StrategyID:      p.cfg.StrategyID,
		Asset:           p.asset(),
		Status:          domain.PositionClosed,
		HomeExchange:    p.cfg.HomeExchange,
		HomeOrderID:     homeID,
		HomePrice:       pricing.TruncateFunds(homeFill.AvgPrice),
		HomeVolume:      homeFill.Volume,
		HomeFunds:       pricing.TruncateFunds(homeFill.Funds),
		HomeFee:         pricing.TruncateFunds(homeFill.Fee),
		ForeignExchange: p.cfg.ForeignExchange,
		ForeignOrderID:  foreignID,
		ForeignPrice:    pricing.TruncateFunds(foreignFill.AvgPrice),
		ForeignVolume:   foreignFill.Volume,
		ForeignFunds:    pricing.TruncateFunds(foreignFill.Funds),
		ForeignFee:      pricing.TruncateFunds(foreignFill.Fee),
		Leverage:        max(p.cfg.Leverage, 1),
		ReferencePrice:  p.ref,
		CreatedAt:       time.Now().UTC(),
	}
}

// persistExit appends the CLOSED row and releases the lot's divisions.
func (t *Trader) persistExit(ctx context.Context, p *plan, pos *domain.Position) error {
	id, err := t.positions.Append(ctx, *pos)
	if err != nil {
		t.alert(ctx, p, domain.SeverityCritical, "executed exit not recorded", map[string]any{
			"home_order_id":    pos.HomeOrderID,
			"foreign_order_id": pos.ForeignOrderID,
			"profit":           pos.Profit.String(),
			"error":            err.Error(),
		})
		return fmt.Errorf("trading: append close: %w", err)
	}
	pos.ID = id

	if err := t.strategies.RecordExit(ctx, p.cfg.StrategyID, p.sum.Entries, pos.HomeFunds, pos.Profit); err != nil {
		t.alert(ctx, p, domain.SeverityError, "exit counters not updated", map[string]any{
			"position_id": id,
			"error":       err.Error(),
		})
		return fmt.Errorf("trading: record exit: %w", err)
	}
	return nil
}
