// Package pnl implements the pure accounting math for the paper trading
// ledger: weighted average cost basis, realized/unrealized P&L, period
// bucket boundaries, and portfolio risk statistics.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Risk statistics (Sharpe, drawdown) use float64 internally for the
// transcendental math, with results immediately converted to decimal.
package pnl

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveQuantity is returned when a quantity must be > 0.
	ErrNonPositiveQuantity = errors.New("pnl: quantity must be positive")
)

// TradingDaysPerYear is used to annualize the Sharpe ratio.
const TradingDaysPerYear = 252

// DailyRiskFreeRate is the simplified daily risk-free rate subtracted
// from period returns when computing Sharpe (2% annual / 252).
var DailyRiskFreeRate = decimal.NewFromFloat(0.02).Div(decimal.NewFromInt(TradingDaysPerYear))

// WeightedAverageCost merges a buy fill into an existing lot:
//
//	(oldQty*oldAvg + addQty*price) / (oldQty + addQty)
//
// With oldQty zero this reduces to price. The result is exact decimal
// division carried to decimal.DivisionPrecision digits.
func WeightedAverageCost(oldQty, oldAvg, addQty, price decimal.Decimal) (decimal.Decimal, error) {
	if addQty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositiveQuantity
	}
	newQty := oldQty.Add(addQty)
	totalCost := oldQty.Mul(oldAvg).Add(addQty.Mul(price))
	return totalCost.Div(newQty), nil
}

// Realized returns the P&L locked in by selling qty shares acquired at
// avgCost for fillPrice each: (fillPrice − avgCost) × qty.
func Realized(fillPrice, avgCost, qty decimal.Decimal) decimal.Decimal {
	return fillPrice.Sub(avgCost).Mul(qty)
}

// Unrealized returns the paper P&L on an open lot marked at price.
func Unrealized(price, avgCost, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(avgCost).Mul(qty)
}

// --- Period boundaries ---
//
// P&L buckets follow UTC: daily resets at the UTC day boundary, weekly
// at the start of the ISO week (Monday), monthly at the first of the
// calendar month.

// DayStart returns UTC midnight of t's day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns UTC midnight of the Monday of t's ISO week.
func WeekStart(t time.Time) time.Time {
	d := DayStart(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return d.AddDate(0, 0, -offset)
}

// MonthStart returns UTC midnight of the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// SamePeriod reports whether a and b fall in the same bucket for the
// given boundary function.
func SamePeriod(a, b time.Time, start func(time.Time) time.Time) bool {
	return start(a).Equal(start(b))
}

// --- Risk statistics ---

// MaxDrawdown returns the largest peak-to-trough percentage decline
// across the value sequence, as a positive percentage. Returns zero for
// fewer than two points or a non-positive peak.
func MaxDrawdown(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	peak := values[0]
	maxDD := decimal.Zero
	hundred := decimal.NewFromInt(100)

	for _, v := range values[1:] {
		if v.GreaterThan(peak) {
			peak = v
			continue
		}
		if peak.IsPositive() {
			dd := peak.Sub(v).Div(peak).Mul(hundred)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD.Round(4)
}

// SharpeRatio computes a simplified annualized Sharpe ratio from a
// sequence of portfolio values: mean over stddev of period-over-period
// returns, net of the daily risk-free rate, scaled by √252. Returns
// zero when there are fewer than three points or zero variance.
func SharpeRatio(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 3 {
		return decimal.Zero
	}

	rf := DailyRiskFreeRate.InexactFloat64()
	var returns []float64
	for i := 1; i < len(values); i++ {
		prev := values[i-1].InexactFloat64()
		if prev == 0 {
			continue
		}
		r := values[i].InexactFloat64()/prev - 1
		returns = append(returns, r-rf)
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	if variance <= 0 {
		return decimal.Zero
	}
	sharpe := mean / math.Sqrt(variance) * math.Sqrt(TradingDaysPerYear)
	if math.IsNaN(sharpe) || math.IsInf(sharpe, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(sharpe).Round(4)
}

// WinRate returns wins/total as a fraction rounded to 4 places, or zero
// when total is zero.
func WinRate(wins, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total))).Round(4)
}
