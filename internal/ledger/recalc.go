// Package ledger rebuilds the account projection from the filled-order
// history. The filled orders are the source of truth; balance and
// position rows are a materialized view that this package reconstructs
// idempotently. Used as a reconciliation/audit pass, triggered per user
// or in bulk.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/metrics"
	"github.com/whoptrade/paper-engine/internal/model"
	"github.com/whoptrade/paper-engine/internal/pnl"
	"github.com/whoptrade/paper-engine/internal/quote"
	"github.com/whoptrade/paper-engine/internal/store"
)

// Service replays filled orders into fresh balance/position rows.
type Service struct {
	store  store.Store
	quotes quote.Source
	now    func() time.Time
}

// NewService creates a recalculation service.
func NewService(st store.Store, quotes quote.Source) *Service {
	return &Service{store: st, quotes: quotes, now: time.Now}
}

// Result is the outcome of one user's recalculation.
type Result struct {
	UserID           string           `json:"user_id"`
	Balance          decimal.Decimal  `json:"balance"`
	AvailableBalance decimal.Decimal  `json:"available_balance"`
	TotalPnL         decimal.Decimal  `json:"total_pnl"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	DailyPnL         decimal.Decimal  `json:"daily_pnl"`
	WeeklyPnL        decimal.Decimal  `json:"weekly_pnl"`
	MonthlyPnL       decimal.Decimal  `json:"monthly_pnl"`
	Positions        []model.Position `json:"positions"`
	OrdersReplayed   int              `json:"orders_replayed"`
}

// lot tracks one symbol's running quantity and total cost during replay.
type lot struct {
	qty       decimal.Decimal
	totalCost decimal.Decimal
	openedAt  time.Time
}

type lotKey struct {
	symbol    string
	assetType string
}

// Recalculate replays the user's filled orders chronologically, rebuilds
// positions and realized P&L, prices the survivors at current quotes,
// and atomically replaces the stored projection.
func (s *Service) Recalculate(ctx context.Context, userID string) (*Result, error) {
	orders, err := s.store.ListFilledOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load filled orders for %s: %w", userID, err)
	}

	now := s.now().UTC()
	dayStart := pnl.DayStart(now)
	weekStart := pnl.WeekStart(now)
	monthStart := pnl.MonthStart(now)

	lots := make(map[lotKey]*lot)
	orderPnL := make(map[string]decimal.Decimal)
	totalRealized := decimal.Zero
	daily, weekly, monthly := decimal.Zero, decimal.Zero, decimal.Zero

	for i := range orders {
		o := &orders[i]
		key := lotKey{symbol: o.Symbol, assetType: o.AssetType}

		switch o.Side {
		case model.SideBuy:
			l, ok := lots[key]
			if !ok {
				l = &lot{openedAt: o.FilledAt}
				lots[key] = l
			}
			l.qty = l.qty.Add(o.FilledQuantity)
			l.totalCost = l.totalCost.Add(o.Notional())

		case model.SideSell:
			l, ok := lots[key]
			if !ok || !l.qty.IsPositive() {
				// Sell with no tracked lot: data anomaly, nothing to realize.
				continue
			}
			sellQty := o.FilledQuantity
			if sellQty.GreaterThan(l.qty) {
				sellQty = l.qty
			}
			avgCost := l.totalCost.Div(l.qty)
			realized := pnl.Realized(o.FilledPrice, avgCost, sellQty)

			totalRealized = totalRealized.Add(realized)
			orderPnL[o.ID] = realized

			if !o.FilledAt.Before(dayStart) {
				daily = daily.Add(realized)
			}
			if !o.FilledAt.Before(weekStart) {
				weekly = weekly.Add(realized)
			}
			if !o.FilledAt.Before(monthStart) {
				monthly = monthly.Add(realized)
			}

			l.totalCost = l.totalCost.Sub(avgCost.Mul(sellQty))
			l.qty = l.qty.Sub(sellQty)
			if !l.qty.IsPositive() {
				delete(lots, key)
			}
		}
	}

	// Surviving lots become position rows; price them for unrealized P&L.
	var positions []model.Position
	totalUnrealized := decimal.Zero
	openCost := decimal.Zero

	for key, l := range lots {
		avgCost := l.totalCost.Div(l.qty)
		positions = append(positions, model.Position{
			UserID:      userID,
			Symbol:      key.symbol,
			AssetType:   key.assetType,
			Quantity:    l.qty,
			AverageCost: avgCost,
			CreatedAt:   l.openedAt,
			UpdatedAt:   now,
		})
		openCost = openCost.Add(l.totalCost)

		price, err := s.quotes.Price(ctx, key.symbol)
		if err != nil {
			slog.Warn("recalc price unavailable, marking at cost", "symbol", key.symbol, "err", err)
			continue
		}
		totalUnrealized = totalUnrealized.Add(pnl.Unrealized(price, avgCost, l.qty))
	}

	available := model.StartingBalance.Add(totalRealized).Sub(openCost)
	equity := available.Add(totalUnrealized).Add(openCost)

	balance := &model.Balance{
		UserID:           userID,
		Balance:          equity,
		AvailableBalance: available,
		TotalPnL:         totalRealized,
		DailyPnL:         daily,
		WeeklyPnL:        weekly,
		MonthlyPnL:       monthly,
		PnLUpdatedAt:     now,
		UpdatedAt:        now,
	}

	if _, err := s.store.EnsureBalance(ctx, userID); err != nil {
		return nil, fmt.Errorf("ledger: ensure balance for %s: %w", userID, err)
	}
	if err := s.store.RebuildPortfolio(ctx, store.Rebuild{
		UserID:    userID,
		Balance:   balance,
		Positions: positions,
		OrderPnL:  orderPnL,
	}); err != nil {
		return nil, fmt.Errorf("ledger: rebuild portfolio for %s: %w", userID, err)
	}

	metrics.RecalculationsTotal.Inc()
	slog.Info("portfolio recalculated",
		"user", userID,
		"orders", len(orders),
		"positions", len(positions),
		"total_pnl", totalRealized.String(),
	)

	return &Result{
		UserID:           userID,
		Balance:          equity,
		AvailableBalance: available,
		TotalPnL:         totalRealized,
		UnrealizedPnL:    totalUnrealized,
		DailyPnL:         daily,
		WeeklyPnL:        weekly,
		MonthlyPnL:       monthly,
		Positions:        positions,
		OrdersReplayed:   len(orders),
	}, nil
}

// RecalculateAll runs Recalculate for every known user. Per-user
// failures are logged and skipped so one bad account does not abort the
// bulk pass.
func (s *Service) RecalculateAll(ctx context.Context) ([]Result, error) {
	userIDs, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list users: %w", err)
	}

	results := make([]Result, 0, len(userIDs))
	for _, id := range userIDs {
		res, err := s.Recalculate(ctx, id)
		if err != nil {
			slog.Error("recalculation failed", "user", id, "err", err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}
