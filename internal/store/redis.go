package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whoptrade/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache over balances and positions — the hot reads behind
// the dashboard. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) EnsureBalance(ctx context.Context, userID string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.EnsureBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(userID), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyFill(ctx context.Context, fill Fill) error {
	if err := s.primary.ApplyFill(ctx, fill); err != nil {
		return err
	}
	s.invalidate(ctx, fill.Order.UserID)
	return nil
}

func (s *CachedStore) RebuildPortfolio(ctx context.Context, rb Rebuild) error {
	if err := s.primary.RebuildPortfolio(ctx, rb); err != nil {
		return err
	}
	s.invalidate(ctx, rb.UserID)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) ListFilledOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListFilledOrders(ctx, userID)
}

func (s *CachedStore) CancelOrder(ctx context.Context, id, userID string) (*model.Order, error) {
	return s.primary.CancelOrder(ctx, id, userID)
}

func (s *CachedStore) ListUserIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListUserIDs(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, symbol, assetType string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, symbol, assetType)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	s.rdb.Del(ctx, balanceKey(userID), positionsKey(userID))
}

func balanceKey(uid string) string   { return fmt.Sprintf("balance:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
