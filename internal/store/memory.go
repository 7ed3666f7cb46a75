package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whoptrade/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]*model.Balance
	orders    map[string]*model.Order
	positions map[string]*model.Position // key: userID|symbol|assetType
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]*model.Balance),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, symbol, assetType string) string {
	return userID + "|" + strings.ToUpper(symbol) + "|" + assetType
}

func (s *MemoryStore) EnsureBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		b = model.NewBalance(userID, time.Now().UTC())
		s.balances[userID] = b
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Symbol != "" && !strings.EqualFold(o.Symbol, f.Symbol) {
			continue
		}
		matched = append(matched, *o)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return []model.Order{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) ListFilledOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filled []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.Status == model.StatusFilled {
			filled = append(filled, *o)
		}
	}
	sort.Slice(filled, func(i, j int) bool {
		return filled[i].FilledAt.Before(filled[j].FilledAt)
	})
	return filled, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, id, userID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.UserID != userID {
		return nil, ErrNotFound
	}
	if o.Status != model.StatusPending {
		return nil, ErrNotCancellable
	}
	o.Status = model.StatusCancelled
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for id := range s.balances {
		seen[id] = true
	}
	for _, o := range s.orders {
		seen[o.UserID] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, symbol, assetType string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, symbol, assetType)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions, nil
}

func (s *MemoryStore) ApplyFill(_ context.Context, fill Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := *fill.Order
	s.orders[order.ID] = &order

	bal := *fill.Balance
	s.balances[bal.UserID] = &bal

	key := posKey(order.UserID, order.Symbol, order.AssetType)
	if fill.RemovePosition {
		delete(s.positions, key)
	} else if fill.Position != nil {
		pos := *fill.Position
		s.positions[key] = &pos
	}
	return nil
}

func (s *MemoryStore) RebuildPortfolio(_ context.Context, rb Rebuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := *rb.Balance
	s.balances[rb.UserID] = &bal

	// Wholesale replace the user's position rows.
	for key, p := range s.positions {
		if p.UserID == rb.UserID {
			delete(s.positions, key)
		}
	}
	for i := range rb.Positions {
		pos := rb.Positions[i]
		s.positions[posKey(pos.UserID, pos.Symbol, pos.AssetType)] = &pos
	}

	// Write realized P&L back onto historical orders.
	for id, pnl := range rb.OrderPnL {
		if o, ok := s.orders[id]; ok {
			o.RealizedPnL = pnl
		}
	}
	return nil
}
