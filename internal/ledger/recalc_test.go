package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/model"
	"github.com/whoptrade/paper-engine/internal/quote"
	"github.com/whoptrade/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type mapQuotes struct {
	prices map[string]decimal.Decimal
}

func (m *mapQuotes) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, quote.ErrNoPrice
	}
	return p, nil
}

var recalcNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC) // Monday

func newRecalcEnv(t *testing.T, prices map[string]decimal.Decimal) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := NewService(ms, &mapQuotes{prices: prices})
	svc.now = func() time.Time { return recalcNow }
	return svc, ms
}

// seedFill writes a filled order straight into the store, bypassing the
// execution path, so tests control the ledger history exactly.
func seedFill(t *testing.T, ms *store.MemoryStore, userID, symbol, side string, qty, price float64, filledAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	balance, err := ms.EnsureBalance(ctx, userID)
	if err != nil {
		t.Fatalf("ensure balance: %v", err)
	}
	order := &model.Order{
		ID:             uuid.New().String(),
		UserID:         userID,
		Symbol:         symbol,
		AssetType:      model.AssetStock,
		Side:           side,
		OrderType:      model.OrderTypeMarket,
		Quantity:       d(qty),
		Price:          d(price),
		FilledQuantity: d(qty),
		FilledPrice:    d(price),
		Status:         model.StatusFilled,
		CreatedAt:      filledAt,
		FilledAt:       filledAt,
	}
	if err := ms.ApplyFill(ctx, store.Fill{Order: order, Balance: balance}); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	return order.ID
}

func TestRecalculate_ReplaysHistory(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(170)})
	ctx := context.Background()

	seedFill(t, ms, "user1", "AAPL", model.SideBuy, 10, 150, recalcNow.Add(-5*time.Hour))
	sellID := seedFill(t, ms, "user1", "AAPL", model.SideSell, 4, 160, recalcNow.Add(-3*time.Hour))

	res, err := svc.Recalculate(ctx, "user1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if res.OrdersReplayed != 2 {
		t.Errorf("expected 2 orders replayed, got %d", res.OrdersReplayed)
	}
	// (160 - 150) × 4 realized on the sell.
	if !res.TotalPnL.Equal(d(40)) {
		t.Errorf("expected total pnl 40, got %s", res.TotalPnL)
	}
	// 100000 + 40 realized - 900 still deployed in the open lot.
	if !res.AvailableBalance.Equal(d(99140)) {
		t.Errorf("expected available 99140, got %s", res.AvailableBalance)
	}
	// 6 shares at avg 150, marked at 170 → unrealized 120.
	if !res.UnrealizedPnL.Equal(d(120)) {
		t.Errorf("expected unrealized 120, got %s", res.UnrealizedPnL)
	}
	if !res.Balance.Equal(d(100160)) {
		t.Errorf("expected equity 100160, got %s", res.Balance)
	}

	if len(res.Positions) != 1 {
		t.Fatalf("expected 1 surviving position, got %d", len(res.Positions))
	}
	pos := res.Positions[0]
	if !pos.Quantity.Equal(d(6)) || !pos.AverageCost.Equal(d(150)) {
		t.Errorf("expected {6, 150}, got {%s, %s}", pos.Quantity, pos.AverageCost)
	}

	// Both fills landed today, so every bucket carries the realized 40.
	for name, got := range map[string]decimal.Decimal{
		"daily": res.DailyPnL, "weekly": res.WeeklyPnL, "monthly": res.MonthlyPnL,
	} {
		if !got.Equal(d(40)) {
			t.Errorf("expected %s pnl 40, got %s", name, got)
		}
	}

	// Realized P&L is written back onto the historical sell.
	sell, err := ms.GetOrder(ctx, sellID)
	if err != nil {
		t.Fatalf("load sell: %v", err)
	}
	if !sell.RealizedPnL.Equal(d(40)) {
		t.Errorf("expected realized 40 on the order row, got %s", sell.RealizedPnL)
	}

	// The stored balance matches the result.
	bal, err := ms.EnsureBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("load balance: %v", err)
	}
	if !bal.AvailableBalance.Equal(res.AvailableBalance) || !bal.TotalPnL.Equal(res.TotalPnL) {
		t.Errorf("stored balance diverges from result: %+v", bal)
	}
}

func TestRecalculate_BucketWindows(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(100)})

	// Recalculating as of Monday 2025-06-09.
	svc.now = func() time.Time { return time.Date(2025, 6, 9, 15, 0, 0, 0, time.UTC) }

	seedFill(t, ms, "user1", "AAPL", model.SideBuy, 30, 100, time.Date(2025, 5, 19, 14, 0, 0, 0, time.UTC))
	// One sell per window: prior month, this month last week, today.
	seedFill(t, ms, "user1", "AAPL", model.SideSell, 1, 110, time.Date(2025, 5, 20, 14, 0, 0, 0, time.UTC))
	seedFill(t, ms, "user1", "AAPL", model.SideSell, 1, 110, time.Date(2025, 6, 5, 14, 0, 0, 0, time.UTC))
	seedFill(t, ms, "user1", "AAPL", model.SideSell, 1, 110, time.Date(2025, 6, 9, 13, 0, 0, 0, time.UTC))

	res, err := svc.Recalculate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if !res.TotalPnL.Equal(d(30)) {
		t.Errorf("expected total 30, got %s", res.TotalPnL)
	}
	if !res.MonthlyPnL.Equal(d(20)) {
		t.Errorf("expected monthly 20 (June sells only), got %s", res.MonthlyPnL)
	}
	if !res.WeeklyPnL.Equal(d(10)) {
		t.Errorf("expected weekly 10 (Monday sell only), got %s", res.WeeklyPnL)
	}
	if !res.DailyPnL.Equal(d(10)) {
		t.Errorf("expected daily 10, got %s", res.DailyPnL)
	}
}

func TestRecalculate_Idempotent(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(155)})
	ctx := context.Background()

	seedFill(t, ms, "user1", "AAPL", model.SideBuy, 10, 150, recalcNow.Add(-2*time.Hour))
	seedFill(t, ms, "user1", "AAPL", model.SideSell, 3, 160, recalcNow.Add(-time.Hour))

	first, err := svc.Recalculate(ctx, "user1")
	if err != nil {
		t.Fatalf("first recalculate: %v", err)
	}
	second, err := svc.Recalculate(ctx, "user1")
	if err != nil {
		t.Fatalf("second recalculate: %v", err)
	}

	if !first.Balance.Equal(second.Balance) ||
		!first.AvailableBalance.Equal(second.AvailableBalance) ||
		!first.TotalPnL.Equal(second.TotalPnL) ||
		!first.UnrealizedPnL.Equal(second.UnrealizedPnL) {
		t.Errorf("recalculation is not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRecalculate_OversellClampedToLot(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(110)})

	seedFill(t, ms, "user1", "AAPL", model.SideBuy, 3, 100, recalcNow.Add(-2*time.Hour))
	// Anomalous history: sells more than the tracked lot holds.
	seedFill(t, ms, "user1", "AAPL", model.SideSell, 5, 110, recalcNow.Add(-time.Hour))

	res, err := svc.Recalculate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	// Only the 3 tracked shares realize P&L.
	if !res.TotalPnL.Equal(d(30)) {
		t.Errorf("expected realized 30 from the clamped sell, got %s", res.TotalPnL)
	}
	if len(res.Positions) != 0 {
		t.Errorf("expected no surviving positions, got %d", len(res.Positions))
	}
}

func TestRecalculate_SellWithNoLotIgnored(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(110)})

	seedFill(t, ms, "user1", "AAPL", model.SideSell, 5, 110, recalcNow.Add(-time.Hour))

	res, err := svc.Recalculate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if !res.TotalPnL.IsZero() {
		t.Errorf("expected zero realized, got %s", res.TotalPnL)
	}
	if !res.AvailableBalance.Equal(model.StartingBalance) {
		t.Errorf("expected untouched cash, got %s", res.AvailableBalance)
	}
}

func TestRecalculate_QuoteFailureMarksAtCost(t *testing.T) {
	// No price for AAPL: the survivor is kept at cost with no unrealized.
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{})

	seedFill(t, ms, "user1", "AAPL", model.SideBuy, 10, 150, recalcNow.Add(-time.Hour))

	res, err := svc.Recalculate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if !res.UnrealizedPnL.IsZero() {
		t.Errorf("expected zero unrealized without a quote, got %s", res.UnrealizedPnL)
	}
	if !res.AvailableBalance.Equal(d(98500)) {
		t.Errorf("expected available 98500, got %s", res.AvailableBalance)
	}
	if !res.Balance.Equal(d(100000)) {
		t.Errorf("expected equity held at 100000, got %s", res.Balance)
	}
}

func TestRecalculate_ReplacesStalePositions(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	ctx := context.Background()

	seedFill(t, ms, "user1", "AAPL", model.SideBuy, 10, 150, recalcNow.Add(-time.Hour))

	// A stale position row with no backing history.
	balance, _ := ms.EnsureBalance(ctx, "user1")
	stale := &model.Order{
		ID: uuid.New().String(), UserID: "user1", Symbol: "TSLA",
		AssetType: model.AssetStock, Side: model.SideBuy,
		OrderType: model.OrderTypeMarket, Status: model.StatusCancelled,
		CreatedAt: recalcNow, FilledAt: recalcNow,
	}
	ms.ApplyFill(ctx, store.Fill{Order: stale, Balance: balance, Position: &model.Position{
		UserID: "user1", Symbol: "TSLA", AssetType: model.AssetStock,
		Quantity: d(99), AverageCost: d(1),
	}})

	if _, err := svc.Recalculate(ctx, "user1"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if _, err := ms.GetPosition(ctx, "user1", "TSLA", model.AssetStock); err != store.ErrNotFound {
		t.Errorf("stale position should be wiped by the rebuild, got %v", err)
	}
	if _, err := ms.GetPosition(ctx, "user1", "AAPL", model.AssetStock); err != nil {
		t.Errorf("history-backed position should survive: %v", err)
	}
}

func TestRecalculateAll_CoversEveryUser(t *testing.T) {
	svc, ms := newRecalcEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})

	seedFill(t, ms, "alice", "AAPL", model.SideBuy, 1, 150, recalcNow.Add(-time.Hour))
	seedFill(t, ms, "bob", "AAPL", model.SideBuy, 2, 150, recalcNow.Add(-time.Hour))

	results, err := svc.RecalculateAll(context.Background())
	if err != nil {
		t.Fatalf("recalculate all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].UserID != "alice" || results[1].UserID != "bob" {
		t.Errorf("expected [alice bob], got [%s %s]", results[0].UserID, results[1].UserID)
	}
}
