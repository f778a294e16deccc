package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/config"
	"github.com/alanyoungcy/karbit/internal/domain"
)

func TestPairVenuesDeduplicates(t *testing.T) {
	pairs := []domain.VenuePair{
		{Home: domain.VenueUpbit, Foreign: domain.VenueBybit},
		{Home: domain.VenueUpbit, Foreign: domain.VenueBybit},
	}
	assert.Equal(t, []domain.Venue{domain.VenueUpbit, domain.VenueBybit}, pairVenues(pairs))
	assert.Empty(t, pairVenues(nil))
}

func TestGrid(t *testing.T) {
	assert.Nil(t, grid(nil))

	g := grid([]int64{1_000_000, 5_000_000})
	if assert.Len(t, g, 2) {
		assert.Equal(t, "5000000", g[1].String())
	}
}

func TestNeedsS3(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "full"
	assert.False(t, needsS3(&cfg), "archive disabled")

	cfg.Archive.Enabled = true
	assert.True(t, needsS3(&cfg))

	cfg.Mode = "worker"
	assert.False(t, needsS3(&cfg))

	cfg.Mode = "scheduler"
	assert.True(t, needsS3(&cfg))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]domain.Pinger{"redis": nil, "postgres": nil, "s3": nil}
	assert.Equal(t, []string{"postgres", "redis", "s3"}, sortedKeys(m))
}

func TestRunRejectsUnknownModeBeforeWiring(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "replay"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "replay"`)
}

func TestCloseRunsOnceInReverse(t *testing.T) {
	a := New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var order []int
	a.closers = []func(){func() { order = append(order, 1) }, func() { order = append(order, 2) }}

	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}
