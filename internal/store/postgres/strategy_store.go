package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given connection pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, user_id, email, home_exchange, foreign_exchange,
	home_cred_id, foreign_cred_id, coin_mode, selected_assets, rate_mode,
	entry_threshold, exit_threshold, seed_amount, seed_division, entry_count,
	leverage, allow_average_down, allow_average_up,
	telegram_chat_id, telegram_username, telegram_enabled,
	total_entry_count, total_order_amount, total_profit, active, updated_at`

func scanStrategy(row pgx.Row) (domain.StrategyConfig, error) {
	var (
		c                  domain.StrategyConfig
		home, foreign      string
		coinMode, rateMode string
	)
	err := row.Scan(
		&c.StrategyID, &c.UserID, &c.Email, &home, &foreign,
		&c.HomeCredRef, &c.ForeignCredRef, &coinMode, &c.SelectedAssets, &rateMode,
		&c.EntryThreshold, &c.ExitThreshold, &c.SeedNotional, &c.SeedDivisions, &c.OpenEntryCount,
		&c.Leverage, &c.AllowAverageDown, &c.AllowAverageUp,
		&c.Notification.ChatID, &c.Notification.Username, &c.Notification.Enabled,
		&c.TotalEntryCount, &c.TotalOrderAmount, &c.TotalProfit, &c.Active, &c.UpdatedAt,
	)
	if err != nil {
		return domain.StrategyConfig{}, err
	}
	if c.HomeExchange, err = domain.ParseVenue(home); err != nil {
		return domain.StrategyConfig{}, err
	}
	if c.ForeignExchange, err = domain.ParseVenue(foreign); err != nil {
		return domain.StrategyConfig{}, err
	}
	c.CoinMode = domain.SelectionMode(coinMode)
	c.RateMode = domain.SelectionMode(rateMode)
	return c, nil
}

// ListActive returns every active strategy trading the given venue pair.
func (s *StrategyStore) ListActive(ctx context.Context, home, foreign domain.Venue) ([]domain.StrategyConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategySelectCols+` FROM strategies
		 WHERE active AND home_exchange = $1 AND foreign_exchange = $2
		 ORDER BY id`, home.String(), foreign.String())
	if err != nil {
		return nil, wrapErr("list active strategies", err)
	}
	defer rows.Close()

	var out []domain.StrategyConfig
	for rows.Next() {
		c, err := scanStrategy(rows)
		if err != nil {
			return nil, wrapErr("scan strategy", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list active strategies rows", err)
	}
	return out, nil
}

// Get returns one strategy by id.
func (s *StrategyStore) Get(ctx context.Context, strategyID int64) (domain.StrategyConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, strategyID)
	c, err := scanStrategy(row)
	if err != nil {
		return domain.StrategyConfig{}, wrapErr(fmt.Sprintf("get strategy %d", strategyID), err)
	}
	return c, nil
}

// RecordEntry counts one executed division against the strategy.
func (s *StrategyStore) RecordEntry(ctx context.Context, strategyID int64, amount decimal.Decimal) error {
	const query = `
		UPDATE strategies SET
			entry_count        = entry_count + 1,
			total_entry_count  = total_entry_count + 1,
			total_order_amount = total_order_amount + $2,
			updated_at         = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, strategyID, amount)
	if err != nil {
		return wrapErr(fmt.Sprintf("record entry strategy %d", strategyID), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordExit releases the divisions of the closed lot and adds its result to
// the cumulative counters. Lots on other assets keep their divisions.
func (s *StrategyStore) RecordExit(ctx context.Context, strategyID int64, entries int, amount, profit decimal.Decimal) error {
	const query = `
		UPDATE strategies SET
			entry_count        = GREATEST(entry_count - $2, 0),
			total_order_amount = total_order_amount + $3,
			total_profit       = total_profit + $4,
			updated_at         = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, strategyID, entries, amount, profit)
	if err != nil {
		return wrapErr(fmt.Sprintf("record exit strategy %d", strategyID), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
