// Package trading runs the per-user entry and exit decisions for one
// arbitrage snapshot. An entry buys the asset on the home venue and shorts
// the same volume on the foreign venue; an exit unwinds both legs of the
// whole lot and settles it.
package trading

import (
	"context"
	"errors"
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

// Venues resolves market-data and per-user adapters. exchange.Registry
// implements it.
type Venues interface {
	MarketData(venue domain.Venue) (domain.MarketData, error)
	ForUser(ctx context.Context, userID int64, venue domain.Venue, credID int64) (domain.Exchange, error)
	MarginForUser(ctx context.Context, userID int64, venue domain.Venue, credID int64) (domain.MarginExchange, error)
}

// Notifier delivers user messages and operator alerts. notify.Notifier
// implements it.
type Notifier interface {
	User(ctx context.Context, target domain.NotificationTarget, event string, msg notify.Message)
	Alert(ctx context.Context, alert domain.Alert)
}

// Config tunes the state machine.
type Config struct {
	FillPollDelay      time.Duration
	CallTimeout        time.Duration
	LockTTL            time.Duration
	AutoEntryFactor    decimal.Decimal
	AutoExitFactor     decimal.Decimal
	BalanceRateScale   int32
	StalenessTolerance decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FillPollDelay:      500 * time.Millisecond,
		CallTimeout:        5 * time.Second,
		LockTTL:            20 * time.Second,
		AutoEntryFactor:    decimal.RequireFromString("0.99"),
		AutoExitFactor:     decimal.RequireFromString("1.02"),
		BalanceRateScale:   2,
		StalenessTolerance: decimal.RequireFromString("0.005"),
	}
}

// Trader evaluates strategies against snapshots.
type Trader struct {
	cfg        Config
	venues     Venues
	positions  domain.PositionStore
	strategies domain.StrategyStore
	locks      domain.LockManager
	notifier   Notifier
	logger     *slog.Logger
}

// NewTrader creates a Trader. locks and notifier may be nil. Zero config
// fields other than FillPollDelay and BalanceRateScale take their defaults.
func NewTrader(
	cfg Config,
	venues Venues,
	positions domain.PositionStore,
	strategies domain.StrategyStore,
	locks domain.LockManager,
	notifier Notifier,
	logger *slog.Logger,
) *Trader {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.AutoEntryFactor.IsZero() {
		cfg.AutoEntryFactor = def.AutoEntryFactor
	}
	if cfg.AutoExitFactor.IsZero() {
		cfg.AutoExitFactor = def.AutoExitFactor
	}
	if cfg.StalenessTolerance.IsZero() {
		cfg.StalenessTolerance = def.StalenessTolerance
	}
	return &Trader{
		cfg:        cfg,
		venues:     venues,
		positions:  positions,
		strategies: strategies,
		locks:      locks,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "trading")),
	}
}

// plan is the evaluation context shared by the entry and exit paths.
type plan struct {
	cfg   domain.StrategyConfig
	snap  domain.ArbitrageSnapshot
	quote domain.RateQuote
	seed  decimal.Decimal
	ref   decimal.Decimal
	lot   []domain.Position
	sum   *settlement.LotSummary
	log   *slog.Logger
}

func (p *plan) asset() string { return p.snap.Asset }

func (p *plan) setLot(lot []domain.Position) error {
	p.lot, p.sum = lot, nil
	if len(lot) == 0 {
		return nil
	}
	sum, err := settlement.Summarize(lot)
	if err != nil {
		return fmt.Errorf("trading: summarize lot: %w", err)
	}
	p.sum = &sum
	return nil
}

// Evaluate runs one decision for cfg against snap. ref is the KRW price of
// USDT for this cycle. At most one transition happens per call: an exit is
// considered first when a lot is open, otherwise an entry.
func (t *Trader) Evaluate(ctx context.Context, cfg domain.StrategyConfig, snap domain.ArbitrageSnapshot, ref decimal.Decimal) (Outcome, error) {
	out, err := t.evaluate(ctx, cfg, snap, ref)
	out.Triple = snap.Triple()
	out.UserID = cfg.UserID
	metrics.TradeOutcomes.WithLabelValues(string(out.Action), string(out.Reason)).Inc()
	return out, err
}

func (t *Trader) evaluate(ctx context.Context, cfg domain.StrategyConfig, snap domain.ArbitrageSnapshot, ref decimal.Decimal) (Outcome, error) {
	if !cfg.Active {
		return none(ReasonInactive), nil
	}
	if cfg.HomeExchange != snap.HomeExchange || cfg.ForeignExchange != snap.ForeignExchange {
		return none(ReasonVenueMismatch), nil
	}

	seed := cfg.EntrySeed()
	if !seed.IsPositive() {
		return none(ReasonNoSlice), nil
	}
	quote, ok := snap.QuoteFor(seed)
	if !ok {
		return none(ReasonNoSlice), nil
	}
	if quote.EntryRate == nil && quote.ExitRate == nil {
		return none(ReasonNoRate), nil
	}
	if !cfg.Selects(snap.Asset) {
		return none(ReasonNotSelected), nil
	}

	lot, err := t.positions.OpenLot(ctx, cfg.UserID, snap.Asset, snap.HomeExchange, snap.ForeignExchange)
	if err != nil {
		return Outcome{}, fmt.Errorf("trading: open lot: %w", err)
	}

	p := &plan{
		cfg:   cfg,
		snap:  snap,
		quote: quote,
		seed:  seed,
		ref:   ref,
		log: t.logger.With(
			slog.Int64("user_id", cfg.UserID),
			slog.Int64("strategy_id", cfg.StrategyID),
			slog.String("asset", snap.Asset),
		),
	}
	if err := p.setLot(lot); err != nil {
		return Outcome{}, err
	}

	if p.sum != nil && quote.ExitRate != nil && t.exitSignal(p, *quote.ExitRate) {
		out, err := t.exit(ctx, p)
		out.Rate = quote.ExitRate
		return out, err
	}
	if quote.EntryRate != nil && t.entrySignal(p, *quote.EntryRate) {
		out, err := t.enter(ctx, p)
		out.Rate = quote.EntryRate
		return out, err
	}
	out := none(ReasonNoSignal)
	out.State = StateOf(lot)
	return out, nil
}

func (t *Trader) entrySignal(p *plan, rate decimal.Decimal) bool {
	if p.cfg.RateMode == domain.ModeCustom {
		return rate.LessThanOrEqual(p.cfg.EntryThreshold)
	}
	return rate.LessThanOrEqual(p.ref.Mul(t.cfg.AutoEntryFactor))
}

func (t *Trader) exitSignal(p *plan, rate decimal.Decimal) bool {
	if p.cfg.RateMode == domain.ModeCustom {
		return rate.GreaterThanOrEqual(p.cfg.ExitThreshold)
	}
	return rate.GreaterThanOrEqual(p.sum.WeightedRate.Mul(t.cfg.AutoExitFactor))
}

// lock takes the per-(user, asset) lock. A nil unlock with a nil error means
// another evaluation holds it.
func (t *Trader) lock(ctx context.Context, p *plan) (func(), error) {
	if t.locks == nil {
		return func() {}, nil
	}
	key := fmt.Sprintf("trade:%d:%s", p.cfg.UserID, p.asset())
	unlock, err := t.locks.Acquire(ctx, key, t.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trading: lock %s: %w", key, err)
	}
	return unlock, nil
}

// reloadLot re-reads the open lot under the trade lock and reports whether it
// differs from the one the decision was made on.
func (t *Trader) reloadLot(ctx context.Context, p *plan) (changed bool, err error) {
	lot, err := t.positions.OpenLot(ctx, p.cfg.UserID, p.asset(), p.snap.HomeExchange, p.snap.ForeignExchange)
	if err != nil {
		return false, fmt.Errorf("trading: reload lot: %w", err)
	}
	changed = !sameLot(p.lot, lot)
	return changed, p.setLot(lot)
}

// sameLot compares lots by row id. The ledger is append-only, so a lot that
// gained or lost rows differs in length or ids.
func sameLot(a, b []domain.Position) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// recheck re-fetches both books and recomputes the rate for the plan's
// slice. ok is false when the books can no longer fill it.
func (t *Trader) recheck(ctx context.Context, p *plan, exit bool) (rate decimal.Decimal, ok bool, err error) {
	homeMD, err := t.venues.MarketData(p.snap.HomeExchange)
	if err != nil {
		return decimal.Zero, false, err
	}
	foreignMD, err := t.venues.MarketData(p.snap.ForeignExchange)
	if err != nil {
		return decimal.Zero, false, err
	}

	var home, foreign domain.OrderBook
	g, gctx := errgroupWithTimeout(ctx, t.cfg.CallTimeout)
	g.Go(func() error {
		ob, err := homeMD.FetchOrderBook(gctx, p.asset())
		home = ob
		return err
	})
	g.Go(func() error {
		ob, err := foreignMD.FetchOrderBook(gctx, p.asset())
		foreign = ob
		return err
	})
	if err := g.Wait(); err != nil {
		return decimal.Zero, false, fmt.Errorf("trading: recheck books: %w", err)
	}

	var r *decimal.Decimal
	if exit {
		r = pricing.ExitRate(home, foreign, p.quote.NotionalHome)
	} else {
		r = pricing.EntryRate(home, foreign, p.quote.NotionalHome)
	}
	if r == nil {
		return decimal.Zero, false, nil
	}
	return *r, true, nil
}

// pollFill waits for the fill delay and fetches the order, re-polling once
// if nothing has executed yet.
func (t *Trader) pollFill(ctx context.Context, ex domain.Exchange, asset, orderID string) (domain.Fill, error) {
	var fill domain.Fill
	for attempt := 0; attempt < 2; attempt++ {
		if err := sleepCtx(ctx, t.cfg.FillPollDelay); err != nil {
			return fill, err
		}
		cctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
		f, err := ex.FetchOrder(cctx, asset, orderID)
		cancel()
		if err != nil {
			return fill, err
		}
		fill = f
		if fill.Filled() {
			break
		}
	}
	return fill, nil
}

func (t *Trader) notifyUser(ctx context.Context, p *plan, event string, msg notify.Message) {
	if t.notifier == nil {
		return
	}
	t.notifier.User(ctx, p.cfg.Notification, event, msg)
}

func (t *Trader) alert(ctx context.Context, p *plan, sev domain.AlertSeverity, message string, detail map[string]any) {
	if t.notifier == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["user_id"] = p.cfg.UserID
	detail["strategy_id"] = p.cfg.StrategyID
	detail["triple"] = p.snap.Triple().String()
	t.notifier.Alert(ctx, domain.Alert{
		Severity:  sev,
		Component: "trading",
		Message:   message,
		Detail:    detail,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
