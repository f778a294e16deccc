package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// AlertStore keeps the operator alert log. Rows are never updated.
type AlertStore struct {
	pool *pgxpool.Pool
}

func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Insert appends an operator alert. Detail is stored as JSONB.
func (s *AlertStore) Insert(ctx context.Context, a domain.Alert) error {
	var detail []byte
	if len(a.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(a.Detail); err != nil {
			return fmt.Errorf("postgres: marshal alert detail: %w", err)
		}
	}

	const query = `INSERT INTO alerts (severity, component, message, detail) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, string(a.Severity), a.Component, a.Message, detail); err != nil {
		return wrapErr("insert alert "+a.Component, err)
	}
	return nil
}

// List returns alerts newest first, filtered and paged by opts.
func (s *AlertStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Alert, error) {
	const query = `SELECT id, severity, component, message, detail, created_at FROM alerts
		WHERE TRUE` + windowClause + `
		ORDER BY created_at DESC, id DESC` + pageClause

	rows, err := s.pool.Query(ctx, query, windowArgs(opts))
	if err != nil {
		return nil, wrapErr("list alerts", err)
	}
	alerts, err := pgx.CollectRows(rows, scanAlert)
	if err != nil {
		return nil, wrapErr("scan alerts", err)
	}
	return alerts, nil
}

func scanAlert(row pgx.CollectableRow) (domain.Alert, error) {
	var (
		a        domain.Alert
		severity string
		detail   []byte
	)
	if err := row.Scan(&a.ID, &severity, &a.Component, &a.Message, &detail, &a.CreatedAt); err != nil {
		return domain.Alert{}, err
	}
	a.Severity = domain.AlertSeverity(severity)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &a.Detail); err != nil {
			return domain.Alert{}, fmt.Errorf("alert %d detail: %w", a.ID, err)
		}
	}
	return a, nil
}

var _ domain.AlertStore = (*AlertStore)(nil)
