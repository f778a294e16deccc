package trading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
	"github.com/alanyoungcy/karbit/internal/notify"
	"github.com/alanyoungcy/karbit/internal/pricing"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

// enter runs the pre-entry guards and, if they pass, executes both legs.
func (t *Trader) enter(ctx context.Context, p *plan) (Outcome, error) {
	cfg := p.cfg
	asset := p.asset()
	rate := *p.quote.EntryRate

	if cfg.OpenEntryCount >= cfg.SeedDivisions {
		p.log.InfoContext(ctx, "entry rejected: divisions exhausted",
			slog.Int("open_entries", cfg.OpenEntryCount),
			slog.Int("divisions", cfg.SeedDivisions),
		)
		return aborted(ReasonDivisionsUsed), nil
	}

	home, err := t.venues.ForUser(ctx, cfg.UserID, cfg.HomeExchange, cfg.HomeCredRef)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: home adapter: %w", err)
	}
	foreign, err := t.venues.ForUser(ctx, cfg.UserID, cfg.ForeignExchange, cfg.ForeignCredRef)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: foreign adapter: %w", err)
	}

	// Both balances are read before either order so a short balance on one
	// side can never leave a single leg open.
	var homeBal, foreignBal decimal.Decimal
	g, gctx := errgroupWithTimeout(ctx, t.cfg.CallTimeout)
	g.Go(func() error {
		b, err := home.FetchBalance(gctx)
		homeBal = b
		return err
	})
	g.Go(func() error {
		b, err := foreign.FetchBalance(gctx)
		foreignBal = b
		return err
	})
	if err := g.Wait(); err != nil {
		return Outcome{}, fmt.Errorf("trading: balances: %w", err)
	}

	if homeBal.LessThan(p.seed) {
		p.log.InfoContext(ctx, "entry rejected: home balance",
			slog.String("balance", homeBal.String()),
			slog.String("required", p.seed.String()),
		)
		t.notifyUser(ctx, p, notify.EventGuard, guardMessage(cfg, asset, ReasonHomeBalance,
			notify.Field{Label: "balance", Value: homeBal.StringFixed(0) + " KRW"}))
		return aborted(ReasonHomeBalance), nil
	}
	foreignNeed := p.seed.Div(p.ref).Round(t.cfg.BalanceRateScale)
	if foreignBal.LessThan(foreignNeed) {
		p.log.InfoContext(ctx, "entry rejected: foreign balance",
			slog.String("balance", foreignBal.String()),
			slog.String("required", foreignNeed.String()),
		)
		t.notifyUser(ctx, p, notify.EventGuard, guardMessage(cfg, asset, ReasonForeignBalance,
			notify.Field{Label: "balance", Value: foreignBal.StringFixed(2) + " USDT"}))
		return aborted(ReasonForeignBalance), nil
	}

	if reason := averagingGuard(p, rate); reason != ReasonNone {
		return aborted(reason), nil
	}

	unlock, err := t.lock(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	if unlock == nil {
		return aborted(ReasonLocked), nil
	}
	defer unlock()

	// Another worker may have traded between the snapshot read and the lock,
	// so the counter, the lot and the guards that depend on them are redone.
	fresh, err := t.strategies.Get(ctx, cfg.StrategyID)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: reload strategy: %w", err)
	}
	if fresh.OpenEntryCount >= fresh.SeedDivisions {
		return aborted(ReasonDivisionsUsed), nil
	}
	if _, err := t.reloadLot(ctx, p); err != nil {
		return Outcome{}, err
	}
	if reason := averagingGuard(p, rate); reason != ReasonNone {
		p.log.InfoContext(ctx, "entry rejected after lot changed", slog.String("reason", string(reason)))
		return aborted(reason), nil
	}

	r1, ok, err := t.recheck(ctx, p, false)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return aborted(ReasonRecheckFailed), nil
	}
	if !pricing.WithinDrift(rate, r1, t.cfg.StalenessTolerance) {
		p.log.WarnContext(ctx, "entry cancelled: rate moved",
			slog.String("signal_rate", rate.String()),
			slog.String("recheck_rate", r1.String()),
		)
		t.notifyUser(ctx, p, notify.EventStaleness, staleMessage(cfg, asset, "Entry", rate, r1))
		return aborted(ReasonStale), nil
	}

	return t.executeEntry(ctx, p, home, foreign, r1)
}

// averagingGuard applies the add-to-lot rules when a lot is already open.
func averagingGuard(p *plan, rate decimal.Decimal) Reason {
	switch {
	case p.sum == nil:
		return ReasonNone
	case !p.cfg.AllowAverageDown:
		return ReasonAveragingDisabled
	case !rate.LessThan(p.sum.WeightedRate):
		return ReasonAboveAverage
	}
	return ReasonNone
}

// executeEntry buys on the home venue, then shorts the filled volume on the
// foreign venue and records the division. rate is the rechecked entry rate.
func (t *Trader) executeEntry(ctx context.Context, p *plan, home, foreign domain.Exchange, rate decimal.Decimal) (Outcome, error) {
	cfg := p.cfg
	asset := p.asset()

	cctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	homeID, err := home.PlaceOrder(cctx, domain.OrderRequest{
		Asset:    asset,
		Side:     domain.OrderSideBuy,
		Notional: p.seed,
	})
	cancel()
	if err != nil {
		t.notifyUser(ctx, p, notify.EventError, failureMessage(cfg, asset, "Entry", "home_order_failed"))
		return Outcome{}, fmt.Errorf("trading: home buy: %w", err)
	}
	if homeID == "" {
		t.missingHomeOrderID(ctx, p, "Entry")
		return aborted(ReasonMissingOrderID), nil
	}

	homeFill, err := t.pollFill(ctx, home, asset, homeID)
	if err != nil {
		return t.unhedged(ctx, p, StateEntering, homeID, homeFill.Volume, fmt.Errorf("fetch home order: %w", err))
	}
	if !homeFill.Filled() {
		t.alert(ctx, p, domain.SeverityWarn, "home buy reported no fills", map[string]any{"home_order_id": homeID})
		t.notifyUser(ctx, p, notify.EventError, failureMessage(cfg, asset, "Entry", ReasonNoFill))
		return aborted(ReasonNoFill), nil
	}

	cctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
	step, err := foreign.LotSizeStep(cctx, asset)
	cancel()
	if err != nil {
		return t.unhedged(ctx, p, StateEntering, homeID, homeFill.Volume, fmt.Errorf("lot size: %w", err))
	}
	volume := pricing.TruncateToStep(homeFill.Volume, step)
	if !volume.IsPositive() {
		t.alert(ctx, p, domain.SeverityWarn, "home fill below foreign lot size", map[string]any{
			"home_order_id": homeID,
			"home_volume":   homeFill.Volume.String(),
			"lot_step":      step.String(),
		})
		t.notifyUser(ctx, p, notify.EventError, failureMessage(cfg, asset, "Entry", ReasonBelowLotSize))
		return aborted(ReasonBelowLotSize), nil
	}

	cctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
	err = foreign.SetLeverage(cctx, asset, max(cfg.Leverage, 1))
	cancel()
	if err != nil {
		return t.unhedged(ctx, p, StateEntering, homeID, homeFill.Volume, fmt.Errorf("set leverage: %w", err))
	}

	cctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
	foreignID, err := foreign.PlaceOrder(cctx, domain.OrderRequest{
		Asset:  asset,
		Side:   domain.OrderSideSell,
		Volume: volume,
	})
	cancel()
	if err != nil {
		return t.unhedged(ctx, p, StateEntering, homeID, homeFill.Volume, fmt.Errorf("foreign sell: %w", err))
	}
	if foreignID == "" {
		return t.unhedged(ctx, p, StateEntering, homeID, homeFill.Volume, domain.ErrMissingOrderID)
	}

	foreignFill, fillErr := t.pollFill(ctx, foreign, asset, foreignID)
	if fillErr == nil && !foreignFill.Filled() {
		fillErr = errNoFills
	}

	status := domain.PositionOpen
	action := ActionEntered
	state := StateOpen
	if p.sum != nil {
		status = domain.PositionPyramiding
		action = ActionPyramided
		state = StatePyramiding
	}
	pos := domain.Position{
		UserID:          cfg.UserID,
		StrategyID:      cfg.StrategyID,
		Asset:           asset,
		Status:          status,
		HomeExchange:    cfg.HomeExchange,
		HomeOrderID:     homeID,
		HomePrice:       pricing.TruncateFunds(homeFill.AvgPrice),
		HomeVolume:      homeFill.Volume,
		HomeFunds:       pricing.TruncateFunds(homeFill.Funds),
		HomeFee:         pricing.TruncateFunds(homeFill.Fee),
		ForeignExchange: cfg.ForeignExchange,
		ForeignOrderID:  foreignID,
		ForeignPrice:    pricing.TruncateFunds(foreignFill.AvgPrice),
		ForeignVolume:   foreignFill.Volume,
		ForeignFunds:    pricing.TruncateFunds(foreignFill.Funds),
		ForeignFee:      pricing.TruncateFunds(foreignFill.Fee),
		EntryRate:       settlement.RealizedEntryRate(homeFill.Funds, foreignFill.Funds),
		Leverage:        max(cfg.Leverage, 1),
		ReferencePrice:  p.ref,
		CreatedAt:       time.Now().UTC(),
	}
	if fillErr != nil {
		// Both legs are live, so the row is written from the requested short
		// and the rechecked rate rather than dropped; a later cycle must see
		// the division as taken.
		pos.Unconfirmed = true
		pos.ForeignVolume = volume
		pos.ForeignFunds = pricing.TruncateFunds(homeFill.Funds.Div(rate))
		pos.ForeignPrice = pricing.TruncateFunds(pos.ForeignFunds.Div(volume))
		pos.ForeignFee = decimal.Zero
		pos.EntryRate = pricing.RoundRate(rate)
	}

	if err := t.persistEntry(ctx, p, &pos); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Action: action, State: state, Position: &pos}

	if fillErr != nil {
		t.unconfirmed(ctx, p, "Entry", &pos, fillErr)
		return out, fmt.Errorf("%w: foreign order %s: %w", ErrUnconfirmedFill, foreignID, fillErr)
	}

	p.log.InfoContext(ctx, "entry executed",
		slog.String("status", string(status)),
		slog.String("entry_rate", pos.EntryRate.String()),
		slog.String("home_funds", pos.HomeFunds.String()),
		slog.String("foreign_volume", pos.ForeignVolume.String()),
	)
	t.notifyUser(ctx, p, notify.EventEntry, entryMessage(cfg, pos, *p.quote.EntryRate))
	return out, nil
}

// persistEntry appends the ledger row and counts the division. Both legs are
// live on the venues by now, so a failure here is escalated.
func (t *Trader) persistEntry(ctx context.Context, p *plan, pos *domain.Position) error {
	id, err := t.positions.Append(ctx, *pos)
	if err != nil {
		t.alert(ctx, p, domain.SeverityCritical, "executed entry not recorded", map[string]any{
			"home_order_id":    pos.HomeOrderID,
			"foreign_order_id": pos.ForeignOrderID,
			"error":            err.Error(),
		})
		return fmt.Errorf("trading: append position: %w", err)
	}
	pos.ID = id

	if err := t.strategies.RecordEntry(ctx, p.cfg.StrategyID, pos.HomeFunds); err != nil {
		t.alert(ctx, p, domain.SeverityError, "entry counters not updated", map[string]any{
			"position_id": id,
			"error":       err.Error(),
		})
		return fmt.Errorf("trading: record entry: %w", err)
	}
	return nil
}

// unhedged escalates a home fill whose hedge could not be placed.
func (t *Trader) unhedged(ctx context.Context, p *plan, state State, homeOrderID string, volume decimal.Decimal, cause error) (Outcome, error) {
	metrics.Unhedged.Inc()
	p.log.ErrorContext(ctx, "unhedged home position",
		slog.String("home_order_id", homeOrderID),
		slog.String("home_volume", volume.String()),
		slog.String("error", cause.Error()),
	)
	t.alert(ctx, p, domain.SeverityCritical, "unhedged home position", map[string]any{
		"home_order_id": homeOrderID,
		"home_volume":   volume.String(),
		"error":         cause.Error(),
	})
	t.notifyUser(ctx, p, notify.EventUnhedged, unhedgedMessage(p.cfg, p.asset(), homeOrderID, volume))
	return Outcome{Action: ActionAborted, State: state}, fmt.Errorf("%w: home order %s: %w", ErrUnhedged, homeOrderID, cause)
}

// unconfirmed escalates a ledger row written without a confirmed fill.
func (t *Trader) unconfirmed(ctx context.Context, p *plan, leg string, pos *domain.Position, cause error) {
	metrics.UnconfirmedFills.Inc()
	p.log.ErrorContext(ctx, "position recorded with unconfirmed fill",
		slog.String("leg", leg),
		slog.Int64("position_id", pos.ID),
		slog.String("home_order_id", pos.HomeOrderID),
		slog.String("foreign_order_id", pos.ForeignOrderID),
		slog.String("error", cause.Error()),
	)
	t.alert(ctx, p, domain.SeverityCritical, "position recorded with unconfirmed fill", map[string]any{
		"leg":              leg,
		"position_id":      pos.ID,
		"home_order_id":    pos.HomeOrderID,
		"foreign_order_id": pos.ForeignOrderID,
		"error":            cause.Error(),
	})
	t.notifyUser(ctx, p, notify.EventError, failureMessage(p.cfg, p.asset(), leg, ReasonFillUnconfirmed))
}

// missingHomeOrderID escalates a home order the venue accepted without
// returning an id. Funds may already be committed, so the operator is told.
func (t *Trader) missingHomeOrderID(ctx context.Context, p *plan, leg string) {
	p.log.ErrorContext(ctx, "home order returned no id", slog.String("leg", leg))
	t.alert(ctx, p, domain.SeverityCritical, "home order returned no id", map[string]any{"leg": leg})
	t.notifyUser(ctx, p, notify.EventError, failureMessage(p.cfg, p.asset(), leg, ReasonMissingOrderID))
}
