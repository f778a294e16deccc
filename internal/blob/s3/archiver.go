package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// ClosedSource lists settled ledger rows. postgres.PositionStore implements it.
type ClosedSource interface {
	ListClosedSince(ctx context.Context, since time.Time, limit int) ([]domain.Position, error)
}

// Archiver exports CLOSED positions to object storage as gzip JSONL, one
// object per run. Object keys carry the CreatedAt range they hold:
//
//	<prefix>/closed/2026-10-17/1760659200000-1760662800000.jsonl.gz
//
// so a restarted archiver resumes after the newest archived row. Rows are
// never deleted from the primary store.
type Archiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	source   ClosedSource
	prefix   string
	maxRows  int
	interval time.Duration
	cursor   time.Time
	resumed  bool
	logger   *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case every
// start archives from the beginning of the ledger.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	source ClosedSource,
	prefix string,
	maxRows int,
	interval time.Duration,
	logger *slog.Logger,
) *Archiver {
	if maxRows <= 0 {
		maxRows = 5000
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		writer:   writer,
		reader:   reader,
		source:   source,
		prefix:   strings.Trim(prefix, "/"),
		maxRows:  maxRows,
		interval: interval,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run archives on every tick until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "archiver starting", slog.Duration("interval", a.interval))
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if n, err := a.ArchiveOnce(ctx); err != nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "closed positions archived", slog.Int("rows", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ArchiveOnce uploads the next page of closed rows and advances the cursor.
// It returns the number of rows archived.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	if !a.resumed {
		if err := a.resume(ctx); err != nil {
			return 0, err
		}
		a.resumed = true
	}

	rows, err := a.source.ListClosedSince(ctx, a.cursor, a.maxRows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list closed positions: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	body, err := marshalJSONLGzip(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: encode archive: %w", err)
	}
	from, to := rows[0].CreatedAt, rows[len(rows)-1].CreatedAt
	key := a.objectKey(from, to)
	if a.reader != nil {
		// A listing can lag a recent upload; never overwrite a range.
		exists, err := a.reader.Exists(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("s3blob: probe %s: %w", key, err)
		}
		if exists {
			a.logger.DebugContext(ctx, "archive object already present", slog.String("key", key))
			a.cursor = to
			return len(rows), nil
		}
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/gzip"); err != nil {
		return 0, err
	}
	a.cursor = to
	return len(rows), nil
}

// resume sets the cursor to the newest range end found in the bucket.
func (a *Archiver) resume(ctx context.Context) error {
	if a.reader == nil {
		return nil
	}
	objects, err := a.reader.List(ctx, a.join("closed")+"/")
	if err != nil {
		return fmt.Errorf("s3blob: resume archive cursor: %w", err)
	}
	for _, obj := range objects {
		if end, ok := rangeEnd(obj.Path); ok && end.After(a.cursor) {
			a.cursor = end
		}
	}
	if !a.cursor.IsZero() {
		a.logger.InfoContext(ctx, "archive cursor resumed", slog.Time("cursor", a.cursor))
	}
	return nil
}

func (a *Archiver) objectKey(from, to time.Time) string {
	name := fmt.Sprintf("%d-%d.jsonl.gz", from.UnixMilli(), to.UnixMilli())
	return a.join("closed", to.UTC().Format("2006-01-02"), name)
}

func (a *Archiver) join(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

// rangeEnd parses the upper CreatedAt bound out of an object key.
func rangeEnd(key string) (time.Time, bool) {
	name, ok := strings.CutSuffix(path.Base(key), ".jsonl.gz")
	if !ok {
		return time.Time{}, false
	}
	_, end, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// archiveRow is the exported shape of a ledger row. Venues are written by
// name and decimals as strings so the archive is readable without this
// codebase.
type archiveRow struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	StrategyID      int64     `json:"strategy_id"`
	Asset           string    `json:"asset"`
	HomeExchange    string    `json:"home_exchange"`
	HomeOrderID     string    `json:"home_order_id"`
	HomeVolume      string    `json:"home_volume"`
	HomeFunds       string    `json:"home_funds"`
	HomeFee         string    `json:"home_fee"`
	ForeignExchange string    `json:"foreign_exchange"`
	ForeignOrderID  string    `json:"foreign_order_id"`
	ForeignVolume   string    `json:"foreign_volume"`
	ForeignFunds    string    `json:"foreign_funds"`
	ForeignFee      string    `json:"foreign_fee"`
	EntryRate       string    `json:"entry_rate"`
	ExitRate        string    `json:"exit_rate"`
	Profit          string    `json:"profit"`
	ProfitRate      string    `json:"profit_rate"`
	ReferencePrice  string    `json:"usdt_price"`
	Unconfirmed     bool      `json:"unconfirmed,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toArchiveRow(p domain.Position) archiveRow {
	return archiveRow{
		ID:              p.ID,
		UserID:          p.UserID,
		StrategyID:      p.StrategyID,
		Asset:           p.Asset,
		HomeExchange:    p.HomeExchange.String(),
		HomeOrderID:     p.HomeOrderID,
		HomeVolume:      p.HomeVolume.String(),
		HomeFunds:       p.HomeFunds.String(),
		HomeFee:         p.HomeFee.String(),
		ForeignExchange: p.ForeignExchange.String(),
		ForeignOrderID:  p.ForeignOrderID,
		ForeignVolume:   p.ForeignVolume.String(),
		ForeignFunds:    p.ForeignFunds.String(),
		ForeignFee:      p.ForeignFee.String(),
		EntryRate:       p.EntryRate.String(),
		ExitRate:        p.ExitRate.String(),
		Profit:          p.Profit.String(),
		ProfitRate:      p.ProfitRate.String(),
		ReferencePrice:  p.ReferencePrice.String(),
		Unconfirmed:     p.Unconfirmed,
		CreatedAt:       p.CreatedAt.UTC(),
	}
}

// marshalJSONLGzip writes one JSON object per line into a gzip stream.
func marshalJSONLGzip(rows []domain.Position) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, r := range rows {
		if err := enc.Encode(toArchiveRow(r)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
