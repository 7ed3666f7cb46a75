// Package store defines the persistence interface for the paper trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotCancellable is returned when cancelling an order that is no
	// longer pending.
	ErrNotCancellable = errors.New("store: order is not cancellable")
)

// OrderFilter narrows ListOrders. Zero-value fields are ignored.
type OrderFilter struct {
	UserID string
	Status string
	Symbol string
	Limit  int
	Offset int
}

// Fill bundles the rows touched by one order execution. Implementations
// must apply the whole set atomically: insert the order, persist the
// post-fill balance, and upsert or delete the position.
type Fill struct {
	Order          *model.Order
	Balance        *model.Balance
	Position       *model.Position // nil when RemovePosition is set
	RemovePosition bool            // delete the order's (user, symbol, asset type) row
}

// Rebuild is the output of a ledger recalculation pass for one user.
// Implementations must replace the user's projection atomically: the
// balance row, the whole position set, and realized P&L written back
// onto historical orders.
type Rebuild struct {
	UserID    string
	Balance   *model.Balance
	Positions []model.Position
	OrderPnL  map[string]decimal.Decimal // order ID → realized P&L
}

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer over balances and
// positions.
type Store interface {
	// --- Balances ---

	// EnsureBalance returns the user's balance row, seeding a fresh
	// account at the starting balance if none exists.
	EnsureBalance(ctx context.Context, userID string) (*model.Balance, error)

	// --- Orders ---

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns a page of orders (newest first) and the total
	// count matching the filter.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error)

	// ListFilledOrders returns all filled orders for a user ordered by
	// fill time ascending. This is the replay input for the ledger.
	ListFilledOrders(ctx context.Context, userID string) ([]model.Order, error)

	// CancelOrder transitions a pending order to cancelled. Returns
	// ErrNotFound if the order does not belong to the user, or
	// ErrNotCancellable if it is no longer pending.
	CancelOrder(ctx context.Context, id, userID string) (*model.Order, error)

	// ListUserIDs returns every user known to the ledger, for bulk
	// recalculation.
	ListUserIDs(ctx context.Context) ([]string, error)

	// --- Positions ---

	// GetPosition retrieves one open position. ErrNotFound when flat.
	GetPosition(ctx context.Context, userID, symbol, assetType string) (*model.Position, error)

	// ListPositions returns all open positions for a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Atomic mutations ---

	// ApplyFill commits one execution: order insert, balance update,
	// position upsert/delete. All or nothing.
	ApplyFill(ctx context.Context, fill Fill) error

	// RebuildPortfolio replaces a user's projection with the result of
	// a ledger replay. All or nothing.
	RebuildPortfolio(ctx context.Context, rb Rebuild) error
}
