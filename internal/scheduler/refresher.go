package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
)

// Refresher recomputes the tradable triple set from venue metadata on its
// own ticker. Dispatch reads whatever set was last stored and never waits
// on a refresh.
type Refresher struct {
	venues   []domain.MarketData
	store    domain.VenueAssetStore
	triples  domain.TripleCache
	pairs    []domain.VenuePair
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. store may be nil, in which case metadata
// is not persisted and a failed listing has no fallback.
func NewRefresher(
	venues []domain.MarketData,
	store domain.VenueAssetStore,
	triples domain.TripleCache,
	pairs []domain.VenuePair,
	interval time.Duration,
	logger *slog.Logger,
) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{
		venues:   venues,
		store:    store,
		triples:  triples,
		pairs:    pairs,
		interval: interval,
		logger:   logger.With(slog.String("component", "refresher")),
	}
}

// Run refreshes immediately and then on every tick.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.logger.ErrorContext(ctx, "metadata refresh failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.ErrorContext(ctx, "metadata refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Refresh lists every venue, persists the flags and stores the new triple
// set: for each configured pair, the assets transferable on both venues.
// When a venue yields no assets, from its listing or the stored fallback,
// the previous set is kept rather than shrunk to the venues that answered.
func (r *Refresher) Refresh(ctx context.Context) error {
	var mu sync.Mutex
	open := make(map[domain.Venue][]string, len(r.venues))

	g, gctx := errgroup.WithContext(ctx)
	for _, md := range r.venues {
		g.Go(func() error {
			assets, err := r.transferable(gctx, md)
			if err != nil {
				r.logger.WarnContext(gctx, "venue metadata unavailable",
					slog.String("venue", md.Venue().String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			open[md.Venue()] = assets
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var missing []string
	for _, md := range r.venues {
		if len(open[md.Venue()]) == 0 {
			missing = append(missing, md.Venue().String())
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("scheduler: no metadata for %s, keeping previous triples", strings.Join(missing, ", "))
	}

	var triples []domain.Triple
	for _, p := range r.pairs {
		for _, asset := range intersect(open[p.Home], open[p.Foreign]) {
			triples = append(triples, domain.Triple{Home: p.Home, Foreign: p.Foreign, Asset: asset})
		}
	}

	if err := r.triples.SetTriples(ctx, triples); err != nil {
		return fmt.Errorf("scheduler: store triples: %w", err)
	}
	metrics.TriplesTradable.Set(float64(len(triples)))
	r.logger.InfoContext(ctx, "tradable triples refreshed", slog.Int("triples", len(triples)))
	return nil
}

// transferable lists one venue and persists its flags. When the listing
// fails, the last persisted flags are used.
func (r *Refresher) transferable(ctx context.Context, md domain.MarketData) ([]string, error) {
	assets, err := md.ListTradableAssets(ctx)
	if err != nil {
		if r.store == nil {
			return nil, err
		}
		r.logger.WarnContext(ctx, "listing failed, using stored metadata",
			slog.String("venue", md.Venue().String()),
			slog.String("error", err.Error()),
		)
		return r.store.ListTransferable(ctx, md.Venue())
	}

	if r.store != nil {
		if err := r.store.UpsertBatch(ctx, assets); err != nil {
			r.logger.WarnContext(ctx, "persist venue metadata failed",
				slog.String("venue", md.Venue().String()),
				slog.String("error", err.Error()),
			)
		}
	}

	out := make([]string, 0, len(assets))
	for _, a := range assets {
		if a.Transferable() {
			out = append(out, a.Asset)
		}
	}
	return out, nil
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
