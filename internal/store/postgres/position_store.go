package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The
// positions table is append-only; there is no update path.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, strategy_id, asset, status,
	home_exchange, home_order_id, home_price, home_volume, home_funds, home_fee,
	foreign_exchange, foreign_order_id, foreign_price, foreign_volume, foreign_funds, foreign_fee,
	entry_rate, exit_rate, profit, profit_rate, leverage, reference_price, fill_confirmed, created_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p             domain.Position
		status        string
		home, foreign string
		confirmed     bool
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.StrategyID, &p.Asset, &status,
		&home, &p.HomeOrderID, &p.HomePrice, &p.HomeVolume, &p.HomeFunds, &p.HomeFee,
		&foreign, &p.ForeignOrderID, &p.ForeignPrice, &p.ForeignVolume, &p.ForeignFunds, &p.ForeignFee,
		&p.EntryRate, &p.ExitRate, &p.Profit, &p.ProfitRate, &p.Leverage, &p.ReferencePrice, &confirmed, &p.CreatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.Unconfirmed = !confirmed
	if p.HomeExchange, err = domain.ParseVenue(home); err != nil {
		return domain.Position{}, err
	}
	if p.ForeignExchange, err = domain.ParseVenue(foreign); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Position, error) {
		return scanPosition(row)
	})
}

// Append inserts a ledger row and returns its id.
func (s *PositionStore) Append(ctx context.Context, p domain.Position) (int64, error) {
	const query = `
		INSERT INTO positions (
			user_id, strategy_id, asset, status,
			home_exchange, home_order_id, home_price, home_volume, home_funds, home_fee,
			foreign_exchange, foreign_order_id, foreign_price, foreign_volume, foreign_funds, foreign_fee,
			entry_rate, exit_rate, profit, profit_rate, leverage, reference_price, fill_confirmed
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23
		) RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		p.UserID, p.StrategyID, p.Asset, string(p.Status),
		p.HomeExchange.String(), p.HomeOrderID, p.HomePrice, p.HomeVolume, p.HomeFunds, p.HomeFee,
		p.ForeignExchange.String(), p.ForeignOrderID, p.ForeignPrice, p.ForeignVolume, p.ForeignFunds, p.ForeignFee,
		p.EntryRate, p.ExitRate, p.Profit, p.ProfitRate, p.Leverage, p.ReferencePrice, !p.Unconfirmed,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("append position user=%d asset=%s", p.UserID, p.Asset), err)
	}
	return id, nil
}

// OpenLot returns the OPEN/PYRAMIDING rows after the latest CLOSED row for
// (user, asset, venue pair), oldest first.
func (s *PositionStore) OpenLot(ctx context.Context, userID int64, asset string, home, foreign domain.Venue) ([]domain.Position, error) {
	const query = `
		SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_id = $1 AND asset = $2 AND home_exchange = $3 AND foreign_exchange = $4
		  AND status IN ('OPEN', 'PYRAMIDING')
		  AND id > COALESCE((
			SELECT MAX(id) FROM positions
			WHERE user_id = $1 AND asset = $2 AND home_exchange = $3 AND foreign_exchange = $4
			  AND status = 'CLOSED'
		  ), 0)
		ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, userID, asset, home.String(), foreign.String())
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("open lot user=%d asset=%s", userID, asset), err)
	}
	lot, err := collectPositions(rows)
	if err != nil {
		return nil, wrapErr("scan open lot", err)
	}
	return lot, nil
}

// ListByUser returns a user's ledger rows, newest first, filtered and paged
// by opts.
func (s *PositionStore) ListByUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.Position, error) {
	const query = `SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_id = @user_id` + windowClause + `
		ORDER BY id DESC` + pageClause

	args := windowArgs(opts)
	args["user_id"] = userID
	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("list positions user=%d", userID), err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, wrapErr("scan positions", err)
	}
	return out, nil
}

// ListClosedSince returns CLOSED rows created after since, oldest first.
func (s *PositionStore) ListClosedSince(ctx context.Context, since time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'CLOSED' AND created_at > $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, wrapErr("list closed positions", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, wrapErr("scan closed positions", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
