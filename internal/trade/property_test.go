package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/whoptrade/paper-engine/internal/model"
	"github.com/whoptrade/paper-engine/internal/store"
)

// tolerance absorbs division rounding in the weighted average cost.
var tolerance = decimal.New(1, -6)

// Cash plus open cost basis minus realized P&L must always equal the
// starting balance, no matter what sequence of fills an account sees.
func TestAccountingIdentity_RandomFills(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ms := store.NewMemoryStore()
		quotes := &fixedQuotes{prices: map[string]decimal.Decimal{"AAPL": dec(100)}}
		svc := NewService(ms, quotes, nil)
		svc.now = func() time.Time { return time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC) }
		ctx := context.Background()

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			side := model.SideBuy
			if rapid.Bool().Draw(t, "sell") {
				side = model.SideSell
			}
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			cents := rapid.Int64Range(100, 100000).Draw(t, "cents")
			quotes.prices["AAPL"] = decimal.New(cents, -2)

			_, err := svc.executeMarketOrder(ctx, OrderRequest{
				UserID:    "user1",
				Symbol:    "AAPL",
				Side:      side,
				OrderType: model.OrderTypeMarket,
				Quantity:  decimal.NewFromInt(qty),
			})
			if err != nil {
				// Oversells and insufficient-balance rejections are
				// no-ops; anything else is a real failure.
				var re *requestError
				if !errors.As(err, &re) {
					t.Fatalf("step %d: %v", i, err)
				}
			}
		}

		balance, err := ms.EnsureBalance(ctx, "user1")
		if err != nil {
			t.Fatalf("load balance: %v", err)
		}

		openCost := decimal.Zero
		positions, err := ms.ListPositions(ctx, "user1")
		if err != nil {
			t.Fatalf("list positions: %v", err)
		}
		for _, p := range positions {
			if !p.Quantity.IsPositive() {
				t.Fatalf("position quantity must stay positive, got %s", p.Quantity)
			}
			openCost = openCost.Add(p.CostBasis())
		}

		identity := balance.AvailableBalance.Add(openCost).Sub(balance.TotalPnL)
		if identity.Sub(model.StartingBalance).Abs().GreaterThan(tolerance) {
			t.Fatalf("accounting identity broken: cash=%s openCost=%s realized=%s",
				balance.AvailableBalance, openCost, balance.TotalPnL)
		}

		if balance.AvailableBalance.IsNegative() {
			t.Fatalf("cash went negative: %s", balance.AvailableBalance)
		}
	})
}

// The filled-order ledger must reproduce the live balance when replayed.
func TestRecalculationMatchesLiveExecution(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ms := store.NewMemoryStore()
		quotes := &fixedQuotes{prices: map[string]decimal.Decimal{"AAPL": dec(100)}}
		svc := NewService(ms, quotes, nil)
		svc.now = func() time.Time { return time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC) }
		ctx := context.Background()

		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			side := model.SideBuy
			if rapid.Bool().Draw(t, "sell") {
				side = model.SideSell
			}
			qty := rapid.Int64Range(1, 20).Draw(t, "qty")
			cents := rapid.Int64Range(1000, 50000).Draw(t, "cents")
			quotes.prices["AAPL"] = decimal.New(cents, -2)

			svc.executeMarketOrder(ctx, OrderRequest{
				UserID:    "user1",
				Symbol:    "AAPL",
				Side:      side,
				OrderType: model.OrderTypeMarket,
				Quantity:  decimal.NewFromInt(qty),
			})
		}

		live, err := ms.EnsureBalance(ctx, "user1")
		if err != nil {
			t.Fatalf("load balance: %v", err)
		}
		liveCash := live.AvailableBalance
		liveTotal := live.TotalPnL

		if _, err := svc.ledger.Recalculate(ctx, "user1"); err != nil {
			t.Fatalf("recalculate: %v", err)
		}

		rebuilt, err := ms.EnsureBalance(ctx, "user1")
		if err != nil {
			t.Fatalf("load rebuilt balance: %v", err)
		}
		if rebuilt.AvailableBalance.Sub(liveCash).Abs().GreaterThan(tolerance) {
			t.Fatalf("rebuilt cash %s diverges from live %s", rebuilt.AvailableBalance, liveCash)
		}
		if rebuilt.TotalPnL.Sub(liveTotal).Abs().GreaterThan(tolerance) {
			t.Fatalf("rebuilt total pnl %s diverges from live %s", rebuilt.TotalPnL, liveTotal)
		}
	})
}
