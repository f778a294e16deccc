package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// VenueAssetStore implements domain.VenueAssetStore using PostgreSQL.
type VenueAssetStore struct {
	pool *pgxpool.Pool
}

// NewVenueAssetStore creates a new VenueAssetStore backed by the given connection pool.
func NewVenueAssetStore(pool *pgxpool.Pool) *VenueAssetStore {
	return &VenueAssetStore{pool: pool}
}

// UpsertBatch writes every asset's transfer flags in one round trip.
func (s *VenueAssetStore) UpsertBatch(ctx context.Context, assets []domain.VenueAsset) error {
	if len(assets) == 0 {
		return nil
	}
	const query = `
		INSERT INTO venue_assets (venue, asset, deposit_enabled, withdraw_enabled, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (venue, asset) DO UPDATE SET
			deposit_enabled  = EXCLUDED.deposit_enabled,
			withdraw_enabled = EXCLUDED.withdraw_enabled,
			updated_at       = NOW()`

	batch := &pgx.Batch{}
	for _, a := range assets {
		batch.Queue(query, a.Venue.String(), a.Asset, a.DepositEnabled, a.WithdrawEnabled)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range assets {
		if _, err := br.Exec(); err != nil {
			return wrapErr(fmt.Sprintf("upsert venue asset %s/%s", assets[i].Venue, assets[i].Asset), err)
		}
	}
	return nil
}

// ListTransferable returns assets with deposits and withdrawals both open.
func (s *VenueAssetStore) ListTransferable(ctx context.Context, venue domain.Venue) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset FROM venue_assets
		 WHERE venue = $1 AND deposit_enabled AND withdraw_enabled
		 ORDER BY asset`, venue.String())
	if err != nil {
		return nil, wrapErr("list transferable assets", err)
	}
	assets, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapErr("scan transferable assets", err)
	}
	return assets, nil
}

var _ domain.VenueAssetStore = (*VenueAssetStore)(nil)
