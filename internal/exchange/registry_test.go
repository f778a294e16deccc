package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/platform/bybit"
	"github.com/alanyoungcy/karbit/internal/platform/upbit"
)

type memCreds map[int64]domain.Credential

func (m memCreds) Put(_ context.Context, c domain.Credential) (int64, error) {
	m[c.ID] = c
	return c.ID, nil
}

func (m memCreds) Get(_ context.Context, id int64) (domain.Credential, error) {
	c, ok := m[id]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return c, nil
}

func newRegistry() *Registry {
	creds := memCreds{
		1: {ID: 1, UserID: 10, Venue: domain.VenueUpbit, AccessKey: "a", SecretKey: "s"},
		2: {ID: 2, UserID: 10, Venue: domain.VenueBybit, AccessKey: "b", SecretKey: "t"},
	}
	return NewRegistry(
		upbit.NewClient("", "", "", time.Second),
		bybit.NewClient("", "", "", 0, "", time.Second),
		creds,
	)
}

func TestMarketData(t *testing.T) {
	r := newRegistry()
	md, err := r.MarketData(domain.VenueBybit)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBybit, md.Venue())

	_, err = r.MarketData(domain.VenueUnknown)
	assert.ErrorIs(t, err, domain.ErrUnknownVenue)
}

func TestForUserChecksOwnership(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	ex, err := r.ForUser(ctx, 10, domain.VenueUpbit, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueUpbit, ex.Venue())

	_, err = r.ForUser(ctx, 11, domain.VenueUpbit, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = r.ForUser(ctx, 10, domain.VenueBybit, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = r.ForUser(ctx, 10, domain.VenueUpbit, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarginForUser(t *testing.T) {
	r := newRegistry()
	m, err := r.MarginForUser(context.Background(), 10, domain.VenueBybit, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBybit, m.Venue())
}
