// Package exchange resolves venue identifiers to adapters. Every venue the
// system supports is listed here; an unknown venue is a configuration error
// surfaced at lookup time.
package exchange

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/platform/bybit"
	"github.com/alanyoungcy/karbit/internal/platform/upbit"
)

// Registry hands out market-data adapters and per-user trading adapters.
type Registry struct {
	upbit *upbit.Client
	bybit *bybit.Client
	creds domain.CredentialStore
}

// NewRegistry creates a Registry. creds may be nil when only market data is
// needed.
func NewRegistry(up *upbit.Client, by *bybit.Client, creds domain.CredentialStore) *Registry {
	return &Registry{upbit: up, bybit: by, creds: creds}
}

// MarketData returns the service-account adapter for venue.
func (r *Registry) MarketData(venue domain.Venue) (domain.MarketData, error) {
	switch venue {
	case domain.VenueUpbit:
		return r.upbit, nil
	case domain.VenueBybit:
		return r.bybit, nil
	}
	return nil, fmt.Errorf("exchange: %w: %s", domain.ErrUnknownVenue, venue)
}

// ReferencePricer returns the adapter that quotes KRW per USDT.
func (r *Registry) ReferencePricer() domain.ReferencePricer {
	return r.upbit
}

// ForUser loads credential credID and returns an adapter authenticated as
// its owner. The credential must belong to userID and venue.
func (r *Registry) ForUser(ctx context.Context, userID int64, venue domain.Venue, credID int64) (domain.Exchange, error) {
	cred, err := r.credential(ctx, userID, venue, credID)
	if err != nil {
		return nil, err
	}
	return r.withCredential(cred)
}

// MarginForUser is ForUser for the foreign venue, which must support
// closed-position settlement.
func (r *Registry) MarginForUser(ctx context.Context, userID int64, venue domain.Venue, credID int64) (domain.MarginExchange, error) {
	ex, err := r.ForUser(ctx, userID, venue, credID)
	if err != nil {
		return nil, err
	}
	m, ok := ex.(domain.MarginExchange)
	if !ok {
		return nil, fmt.Errorf("exchange: %s does not support margin settlement: %w", venue, domain.ErrUnknownVenue)
	}
	return m, nil
}

func (r *Registry) credential(ctx context.Context, userID int64, venue domain.Venue, credID int64) (domain.Credential, error) {
	if r.creds == nil {
		return domain.Credential{}, fmt.Errorf("exchange: %w: no credential store", domain.ErrUnauthorized)
	}
	cred, err := r.creds.Get(ctx, credID)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("exchange: load credential %d: %w", credID, err)
	}
	if cred.UserID != userID || cred.Venue != venue {
		return domain.Credential{}, fmt.Errorf("exchange: credential %d: %w: owner or venue mismatch", credID, domain.ErrUnauthorized)
	}
	return cred, nil
}

func (r *Registry) withCredential(cred domain.Credential) (domain.Exchange, error) {
	switch cred.Venue {
	case domain.VenueUpbit:
		return r.upbit.WithCredentials(cred.AccessKey, cred.SecretKey), nil
	case domain.VenueBybit:
		return r.bybit.WithCredentials(cred.AccessKey, cred.SecretKey), nil
	}
	return nil, fmt.Errorf("exchange: %w: %s", domain.ErrUnknownVenue, cred.Venue)
}

var (
	_ domain.Exchange        = (*upbit.Client)(nil)
	_ domain.MarginExchange  = (*bybit.Client)(nil)
	_ domain.ReferencePricer = (*upbit.Client)(nil)
)
