package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Weighted average cost ---

func TestWeightedAverageCost_FirstBuy(t *testing.T) {
	avg, err := WeightedAverageCost(d(0), d(0), d(10), d(150))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !avg.Equal(d(150)) {
		t.Errorf("expected avg 150, got %s", avg)
	}
}

func TestWeightedAverageCost_TwoBuys(t *testing.T) {
	// 10 @ 100 then 10 @ 200 → avg 150.
	avg, err := WeightedAverageCost(d(10), d(100), d(10), d(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !avg.Equal(d(150)) {
		t.Errorf("expected avg 150, got %s", avg)
	}
}

func TestWeightedAverageCost_OrderInvariant(t *testing.T) {
	// (q1,p1) then (q2,p2) equals (q2,p2) then (q1,p1).
	a1, _ := WeightedAverageCost(d(0), d(0), d(3), d(120))
	a1, _ = WeightedAverageCost(d(3), a1, d(7), d(80))

	a2, _ := WeightedAverageCost(d(0), d(0), d(7), d(80))
	a2, _ = WeightedAverageCost(d(7), a2, d(3), d(120))

	if !a1.Equal(a2) {
		t.Errorf("weighted average depends on fill order: %s vs %s", a1, a2)
	}
}

func TestWeightedAverageCost_ZeroQuantity(t *testing.T) {
	if _, err := WeightedAverageCost(d(10), d(100), d(0), d(200)); err != ErrNonPositiveQuantity {
		t.Errorf("expected ErrNonPositiveQuantity, got %v", err)
	}
}

// --- Realized / unrealized ---

func TestRealized(t *testing.T) {
	got := Realized(d(160), d(150), d(10))
	if !got.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", got)
	}
}

func TestRealized_Loss(t *testing.T) {
	got := Realized(d(140), d(150), d(10))
	if !got.Equal(d(-100)) {
		t.Errorf("expected realized -100, got %s", got)
	}
}

func TestUnrealized(t *testing.T) {
	got := Unrealized(d(155.5), d(150), d(4))
	if !got.Equal(d(22)) {
		t.Errorf("expected unrealized 22, got %s", got)
	}
}

// --- Period boundaries ---

func TestDayStart(t *testing.T) {
	ts := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if got := DayStart(ts); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestWeekStart_Monday(t *testing.T) {
	// 2025-03-14 is a Friday; the week starts Monday 2025-03-10.
	ts := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if got := WeekStart(ts); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestWeekStart_SundayBelongsToPriorMonday(t *testing.T) {
	ts := time.Date(2025, 3, 16, 8, 0, 0, 0, time.UTC) // Sunday
	want := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if got := WeekStart(ts); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMonthStart(t *testing.T) {
	ts := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := MonthStart(ts); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSamePeriod_DayBoundary(t *testing.T) {
	a := time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)
	b := a.Add(2 * time.Minute) // crosses midnight
	if SamePeriod(a, b, DayStart) {
		t.Error("fills one minute apart across midnight must not share a daily bucket")
	}
	if !SamePeriod(a, a.Add(-time.Hour), DayStart) {
		t.Error("fills on the same UTC day must share a daily bucket")
	}
}

// --- Risk statistics ---

func TestMaxDrawdown(t *testing.T) {
	values := []decimal.Decimal{d(100), d(120), d(90), d(110)}
	// Peak 120 → trough 90 is a 25% decline.
	if got := MaxDrawdown(values); !got.Equal(d(25)) {
		t.Errorf("expected drawdown 25, got %s", got)
	}
}

func TestMaxDrawdown_MonotonicRise(t *testing.T) {
	values := []decimal.Decimal{d(100), d(110), d(120)}
	if got := MaxDrawdown(values); !got.IsZero() {
		t.Errorf("expected zero drawdown, got %s", got)
	}
}

func TestMaxDrawdown_TooFewPoints(t *testing.T) {
	if got := MaxDrawdown([]decimal.Decimal{d(100)}); !got.IsZero() {
		t.Errorf("expected zero for single point, got %s", got)
	}
}

func TestSharpeRatio_ZeroVariance(t *testing.T) {
	values := []decimal.Decimal{d(100), d(100), d(100), d(100)}
	if got := SharpeRatio(values); !got.IsZero() {
		t.Errorf("expected zero sharpe for flat series, got %s", got)
	}
}

func TestSharpeRatio_PositiveTrend(t *testing.T) {
	values := []decimal.Decimal{d(100), d(101), d(103), d(104), d(106), d(107)}
	if got := SharpeRatio(values); !got.IsPositive() {
		t.Errorf("expected positive sharpe for rising series, got %s", got)
	}
}

func TestWinRate(t *testing.T) {
	if got := WinRate(3, 4); !got.Equal(d(0.75)) {
		t.Errorf("expected 0.75, got %s", got)
	}
	if got := WinRate(0, 0); !got.IsZero() {
		t.Errorf("expected zero for no sells, got %s", got)
	}
}
