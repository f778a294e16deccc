package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// SecretSealer encrypts secrets before they reach the database.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(blob string) (string, error)
}

// CredentialStore implements domain.CredentialStore. Secret keys are sealed
// on write and opened on read; plaintext never touches the table.
type CredentialStore struct {
	pool   *pgxpool.Pool
	sealer SecretSealer
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(pool *pgxpool.Pool, sealer SecretSealer) *CredentialStore {
	return &CredentialStore{pool: pool, sealer: sealer}
}

// Put stores or replaces the user's key pair for a venue.
func (s *CredentialStore) Put(ctx context.Context, c domain.Credential) (int64, error) {
	sealed, err := s.sealer.Seal(c.SecretKey)
	if err != nil {
		return 0, fmt.Errorf("postgres: seal credential: %w", err)
	}
	const query = `
		INSERT INTO credentials (user_id, venue, access_key, secret_enc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, venue) DO UPDATE SET
			access_key = EXCLUDED.access_key,
			secret_enc = EXCLUDED.secret_enc
		RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, query, c.UserID, c.Venue.String(), c.AccessKey, sealed).Scan(&id); err != nil {
		return 0, wrapErr(fmt.Sprintf("put credential user=%d venue=%s", c.UserID, c.Venue), err)
	}
	return id, nil
}

// Get loads and decrypts one credential.
func (s *CredentialStore) Get(ctx context.Context, id int64) (domain.Credential, error) {
	var (
		c             domain.Credential
		venue, sealed string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, venue, access_key, secret_enc, created_at FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &venue, &c.AccessKey, &sealed, &c.CreatedAt)
	if err != nil {
		return domain.Credential{}, wrapErr(fmt.Sprintf("get credential %d", id), err)
	}
	if c.Venue, err = domain.ParseVenue(venue); err != nil {
		return domain.Credential{}, fmt.Errorf("postgres: credential %d: %w", id, err)
	}
	if c.SecretKey, err = s.sealer.Open(sealed); err != nil {
		return domain.Credential{}, fmt.Errorf("postgres: open credential %d: %w", id, err)
	}
	return c, nil
}

var _ domain.CredentialStore = (*CredentialStore)(nil)
