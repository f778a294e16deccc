package postgres

import (
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// windowClause and pageClause are appended to list queries whose table has a
// created_at column. A NULL bound disables its filter, LIMIT NULL means no
// limit and OFFSET NULL means zero, so the SQL text never changes with opts.
const (
	windowClause = `
		AND (@since::timestamptz IS NULL OR created_at >= @since)
		AND (@until::timestamptz IS NULL OR created_at <= @until)`
	pageClause = `
		LIMIT @limit::bigint OFFSET @offset::bigint`
)

// windowArgs binds opts to windowClause and pageClause.
func windowArgs(opts domain.ListOpts) pgx.NamedArgs {
	args := pgx.NamedArgs{
		"since":  opts.Since,
		"until":  opts.Until,
		"limit":  nil,
		"offset": nil,
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		args["offset"] = opts.Offset
	}
	return args
}
