package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// snapshotTTL bounds how long a triple that stopped being priced keeps
// showing up in LatestSnapshots.
const snapshotTTL = 2 * time.Minute

// SnapshotCache implements domain.SnapshotCache with one hash field per
// triple holding its latest JSON-encoded snapshot.
type SnapshotCache struct {
	c *Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{c: c}
}

// PutSnapshots overwrites the cached snapshot of every triple in snaps.
func (sc *SnapshotCache) PutSnapshots(ctx context.Context, snaps []domain.ArbitrageSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	fields := make(map[string]any, len(snaps))
	for _, s := range snaps {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("redis: marshal snapshot %s: %w", s.Triple(), err)
		}
		fields[s.Triple().String()] = data
	}
	key := sc.c.key("snapshots")
	pipe := sc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("put snapshots", err)
	}
	return nil
}

// LatestSnapshots returns every cached snapshot ordered by triple.
func (sc *SnapshotCache) LatestSnapshots(ctx context.Context) ([]domain.ArbitrageSnapshot, error) {
	vals, err := sc.c.rdb.HGetAll(ctx, sc.c.key("snapshots")).Result()
	if err != nil {
		return nil, wrapErr("latest snapshots", err)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.ArbitrageSnapshot, 0, len(keys))
	for _, k := range keys {
		var s domain.ArbitrageSnapshot
		if err := json.Unmarshal([]byte(vals[k]), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// TripleCache implements domain.TripleCache as a single JSON string key.
type TripleCache struct {
	c *Client
}

// NewTripleCache creates a TripleCache backed by the given Client.
func NewTripleCache(c *Client) *TripleCache {
	return &TripleCache{c: c}
}

// SetTriples replaces the tradable triple set.
func (tc *TripleCache) SetTriples(ctx context.Context, triples []domain.Triple) error {
	data, err := json.Marshal(triples)
	if err != nil {
		return fmt.Errorf("redis: marshal triples: %w", err)
	}
	if err := tc.c.rdb.Set(ctx, tc.c.key("triples"), data, 0).Err(); err != nil {
		return wrapErr("set triples", err)
	}
	return nil
}

// Triples returns the tradable triple set, or domain.ErrNotFound before the
// first refresh has completed.
func (tc *TripleCache) Triples(ctx context.Context) ([]domain.Triple, error) {
	data, err := tc.c.rdb.Get(ctx, tc.c.key("triples")).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, domain.ErrNotFound
		}
		return nil, wrapErr("get triples", err)
	}
	var triples []domain.Triple
	if err := json.Unmarshal(data, &triples); err != nil {
		return nil, fmt.Errorf("redis: unmarshal triples: %w", err)
	}
	return triples, nil
}

var (
	_ domain.SnapshotCache = (*SnapshotCache)(nil)
	_ domain.TripleCache   = (*TripleCache)(nil)
)
