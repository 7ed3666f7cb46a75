// Package model defines the core domain types shared across the paper
// trading engine. All monetary values use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses. All orders are market orders and fill synchronously,
// so the only reachable terminal states are filled and cancelled.
const (
	StatusPending   = "pending"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

// Asset types.
const (
	AssetStock  = "stock"
	AssetOption = "option"
)

// OrderTypeMarket is the only supported order type. Limit and stop
// orders are rejected at validation.
const OrderTypeMarket = "market"

// StartingBalance is the paper cash every account begins with.
var StartingBalance = decimal.NewFromInt(100000)

// Order is the immutable trade intent plus its fill state. Filled
// orders form the ledger: balances and positions are projections
// rebuilt from them.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	AssetType      string          `json:"asset_type" db:"asset_type"`
	Side           string          `json:"side" db:"side"`
	OrderType      string          `json:"order_type" db:"order_type"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"` // quote at submission
	FilledQuantity decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	FilledPrice    decimal.Decimal `json:"filled_price" db:"filled_price"`
	Status         string          `json:"status" db:"status"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // sell fills only
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	FilledAt       time.Time       `json:"filled_at" db:"filled_at"`
}

// Notional returns the cash value of the fill (quantity × fill price).
func (o *Order) Notional() decimal.Decimal {
	return o.FilledQuantity.Mul(o.FilledPrice)
}

// Position is a trader's open holding in one (symbol, asset type) pair.
// Quantity is always positive; the row is deleted at zero. Short
// positions are not supported.
type Position struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	AssetType   string          `json:"asset_type" db:"asset_type"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns quantity × average cost.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AverageCost)
}

// PositionView is a position enriched with live quote data for API
// responses.
type PositionView struct {
	Position
	CurrentPrice     decimal.Decimal `json:"current_price"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_percent"`
}

// Balance is the per-user account projection: total equity, cash, and
// rolling P&L buckets. PnLUpdatedAt anchors the bucket windows — each
// bucket resets when the current period differs from the anchor's.
type Balance struct {
	UserID           string          `json:"user_id" db:"user_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`                      // total equity
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"` // cash
	TotalPnL         decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	DailyPnL         decimal.Decimal `json:"daily_pnl" db:"daily_pnl"`
	WeeklyPnL        decimal.Decimal `json:"weekly_pnl" db:"weekly_pnl"`
	MonthlyPnL       decimal.Decimal `json:"monthly_pnl" db:"monthly_pnl"`
	PnLUpdatedAt     time.Time       `json:"pnl_updated_at" db:"pnl_updated_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// NewBalance returns a freshly seeded account.
func NewBalance(userID string, now time.Time) *Balance {
	return &Balance{
		UserID:           userID,
		Balance:          StartingBalance,
		AvailableBalance: StartingBalance,
		TotalPnL:         decimal.Zero,
		DailyPnL:         decimal.Zero,
		WeeklyPnL:        decimal.Zero,
		MonthlyPnL:       decimal.Zero,
		PnLUpdatedAt:     now,
		UpdatedAt:        now,
	}
}

// Snapshot is one time-bucketed point in a performance history.
type Snapshot struct {
	Timestamp          time.Time       `json:"timestamp"`
	CashBalance        decimal.Decimal `json:"cash_balance"`
	PortfolioValue     decimal.Decimal `json:"portfolio_value"`
	TotalValue         decimal.Decimal `json:"total_value"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	TotalReturn        decimal.Decimal `json:"total_return"`
	TotalReturnPercent decimal.Decimal `json:"total_return_percent"`
	Positions          int             `json:"positions"`
	OrdersCount        int             `json:"orders_count"`
}

// PerformanceSummary aggregates risk/return statistics over a snapshot
// sequence.
type PerformanceSummary struct {
	StartValue  decimal.Decimal `json:"start_value"`
	EndValue    decimal.Decimal `json:"end_value"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"` // peak-to-trough %, positive
	SharpeRatio decimal.Decimal `json:"sharpe_ratio"`
	WinRate     decimal.Decimal `json:"win_rate"` // fraction of winning sells
}
