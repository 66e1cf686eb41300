package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache after
// commit; reads check Redis first then fall back to the primary.
//
// Invalidation replaces each key with a short-lived tombstone and cache fills
// use SET NX, so a reader that loaded a row before the commit cannot put the
// stale copy back while the tombstone is alive.
type CachedStore struct {
	primary      Store
	rdb          redis.UniversalClient
	ttl          time.Duration
	tombstoneTTL time.Duration
}

const (
	tombstone           = "-"
	defaultTombstoneTTL = 5 * time.Second
)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary:      primary,
		rdb:          rdb,
		ttl:          ttl,
		tombstoneTTL: min(defaultTombstoneTTL, ttl),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// WithTx runs fn against the primary store and, once it commits, drops every
// cache entry the transaction touched. Nothing is invalidated on rollback.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		// The primary may re-run fn on transient failures; start clean each time.
		tracked := &trackingTx{Tx: tx}
		if err := fn(tracked); err != nil {
			return err
		}
		touched = tracked.keys
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	for _, k := range keys {
		pipe.Set(ctx, k, tombstone, s.tombstoneTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// trackingTx records the cache keys affected by writes.
type trackingTx struct {
	Tx
	keys []string
}

func (t *trackingTx) InsertUser(ctx context.Context, u *model.User) error {
	t.keys = append(t.keys, userKey(u.ID))
	return t.Tx.InsertUser(ctx, u)
}

func (t *trackingTx) InsertEvent(ctx context.Context, e *model.Event) error {
	t.keys = append(t.keys, eventKey(e.ID))
	return t.Tx.InsertEvent(ctx, e)
}

func (t *trackingTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	t.keys = append(t.keys, userKey(userID))
	return t.Tx.AdjustBalance(ctx, userID, delta)
}

func (t *trackingTx) UpsertPosition(ctx context.Context, pos *model.Position) (*model.Position, error) {
	t.keys = append(t.keys, positionsKey(pos.UserID))
	return t.Tx.UpsertPosition(ctx, pos)
}

func (t *trackingTx) MarkEventResolved(ctx context.Context, id string, outcome bool, at time.Time) (*model.Event, error) {
	t.keys = append(t.keys, eventKey(id))
	return t.Tx.MarkEventResolved(ctx, id, outcome, at)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.readCache(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, userKey(id), user)
	return user, nil
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	if s.readCache(ctx, eventKey(id), &e) {
		return &e, nil
	}

	event, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, eventKey(id), event)
	return event, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.readCache(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.primary.ListEvents(ctx)
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, limit)
}

func (s *CachedStore) ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	return s.primary.ListTradesByEvent(ctx, eventID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) ListPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error) {
	return s.primary.ListPositionsByEvent(ctx, eventID)
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil || string(data) == tombstone {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// writeCache fills an empty key only; it never overwrites a tombstone or a
// fresher entry.
func (s *CachedStore) writeCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.SetNX(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string { return fmt.Sprintf("friendsbets:user:%s", id) }
func eventKey(id string) string { return fmt.Sprintf("friendsbets:event:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("friendsbets:positions:%s", uid) }
