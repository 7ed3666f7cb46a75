// Package perf builds time-bucketed performance histories for an
// account: a snapshot sequence between a period start and now, stepped
// by granularity, plus summary risk statistics. The builder is
// stateless — every call replays the filled-order ledger from scratch.
package perf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/model"
	"github.com/whoptrade/paper-engine/internal/pnl"
	"github.com/whoptrade/paper-engine/internal/quote"
	"github.com/whoptrade/paper-engine/internal/store"
)

var (
	// ErrInvalidPeriod is returned for an unknown period string.
	ErrInvalidPeriod = errors.New("perf: invalid period")

	// ErrInvalidGranularity is returned for an unknown granularity or a
	// granularity too fine for the requested period.
	ErrInvalidGranularity = errors.New("perf: invalid granularity for period")
)

// Supported periods.
const (
	Period1D  = "1D"
	Period1W  = "1W"
	Period1M  = "1M"
	Period3M  = "3M"
	Period1Y  = "1Y"
	PeriodAll = "ALL"
)

// Supported granularities.
const (
	GranHour = "hour"
	GranDay  = "day"
	GranWeek = "week"
)

var periodSpans = map[string]time.Duration{
	Period1D: 24 * time.Hour,
	Period1W: 7 * 24 * time.Hour,
	Period1M: 30 * 24 * time.Hour,
	Period3M: 90 * 24 * time.Hour,
	Period1Y: 365 * 24 * time.Hour,
}

var granSteps = map[string]time.Duration{
	GranHour: time.Hour,
	GranDay:  24 * time.Hour,
	GranWeek: 7 * 24 * time.Hour,
}

// defaultGranularity picks a sensible step when none is requested.
func defaultGranularity(period string) string {
	switch period {
	case Period1D:
		return GranHour
	case Period1W, Period1M, Period3M:
		return GranDay
	default:
		return GranWeek
	}
}

// Builder produces performance reports from the filled-order ledger.
type Builder struct {
	store  store.Store
	quotes quote.Source
	now    func() time.Time
}

// NewBuilder creates a performance history builder.
func NewBuilder(st store.Store, quotes quote.Source) *Builder {
	return &Builder{store: st, quotes: quotes, now: time.Now}
}

// Report is the full response for GET /performance.
type Report struct {
	UserID      string                   `json:"user_id"`
	Period      string                   `json:"period"`
	Granularity string                   `json:"granularity"`
	Snapshots   []model.Snapshot         `json:"snapshots"`
	Summary     model.PerformanceSummary `json:"summary"`
}

// History builds the snapshot sequence for the user over the period.
// Granularity may be empty to accept the period default. Hour steps are
// only allowed for periods of a week or less.
func (b *Builder) History(ctx context.Context, userID, period, granularity string) (*Report, error) {
	if period == "" {
		period = Period1D
	}
	if _, ok := periodSpans[period]; !ok && period != PeriodAll {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}
	if granularity == "" {
		granularity = defaultGranularity(period)
	}
	step, ok := granSteps[granularity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGranularity, granularity)
	}
	if granularity == GranHour && period != Period1D && period != Period1W {
		return nil, fmt.Errorf("%w: hour steps require 1D or 1W", ErrInvalidGranularity)
	}

	orders, err := b.store.ListFilledOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("perf: load filled orders for %s: %w", userID, err)
	}

	now := b.now().UTC()
	start := b.periodStart(period, now, orders)

	// Positions are marked at the current quote across all buckets.
	// Cache one price per symbol so the build issues at most one quote
	// lookup per held symbol.
	prices := make(map[string]decimal.Decimal)
	priceOf := func(symbol string) decimal.Decimal {
		if p, ok := prices[symbol]; ok {
			return p
		}
		p, err := b.quotes.Price(ctx, symbol)
		if err != nil {
			p = decimal.Zero
		}
		prices[symbol] = p
		return p
	}

	acct := newReplayAccount()

	// Seed the model with everything filled before the window so
	// positions opened earlier are visible in the first bucket.
	idx := 0
	for idx < len(orders) && orders[idx].FilledAt.Before(start) {
		acct.apply(&orders[idx])
		idx++
	}

	var snapshots []model.Snapshot
	var sells, wins int

	for ts := start; ; ts = ts.Add(step) {
		if ts.After(now) {
			ts = now
		}
		for idx < len(orders) && !orders[idx].FilledAt.After(ts) {
			o := &orders[idx]
			realized := acct.apply(o)
			if o.Side == model.SideSell {
				sells++
				if realized.IsPositive() {
					wins++
				}
			}
			idx++
		}
		snapshots = append(snapshots, acct.snapshot(ts, priceOf))
		if !ts.Before(now) {
			break
		}
	}

	values := make([]decimal.Decimal, len(snapshots))
	for i, s := range snapshots {
		values[i] = s.TotalValue
	}

	summary := model.PerformanceSummary{
		StartValue:  values[0],
		EndValue:    values[len(values)-1],
		MaxDrawdown: pnl.MaxDrawdown(values),
		SharpeRatio: pnl.SharpeRatio(values),
		WinRate:     pnl.WinRate(wins, sells),
	}

	return &Report{
		UserID:      userID,
		Period:      period,
		Granularity: granularity,
		Snapshots:   snapshots,
		Summary:     summary,
	}, nil
}

// periodStart resolves the window start. ALL starts at the first fill
// (or one day back for an empty ledger).
func (b *Builder) periodStart(period string, now time.Time, orders []model.Order) time.Time {
	if period == PeriodAll {
		if len(orders) > 0 {
			return orders[0].FilledAt.UTC()
		}
		return now.Add(-24 * time.Hour)
	}
	return now.Add(-periodSpans[period])
}

// replayAccount is the running cash/position model shared by all
// buckets. Accounting rules match the ledger replay: weighted average
// cost on buys, realization against tracked average cost on sells.
type replayAccount struct {
	cash     decimal.Decimal
	realized decimal.Decimal
	lots     map[string]*replayLot // symbol|assetType
	orders   int
}

type replayLot struct {
	symbol    string
	qty       decimal.Decimal
	totalCost decimal.Decimal
}

func newReplayAccount() *replayAccount {
	return &replayAccount{
		cash: model.StartingBalance,
		lots: make(map[string]*replayLot),
	}
}

// apply folds one filled order into the model and returns the realized
// P&L for sells (zero for buys).
func (a *replayAccount) apply(o *model.Order) decimal.Decimal {
	a.orders++
	key := o.Symbol + "|" + o.AssetType

	if o.Side == model.SideBuy {
		l, ok := a.lots[key]
		if !ok {
			l = &replayLot{symbol: o.Symbol}
			a.lots[key] = l
		}
		l.qty = l.qty.Add(o.FilledQuantity)
		l.totalCost = l.totalCost.Add(o.Notional())
		a.cash = a.cash.Sub(o.Notional())
		return decimal.Zero
	}

	l, ok := a.lots[key]
	if !ok || !l.qty.IsPositive() {
		return decimal.Zero
	}
	sellQty := o.FilledQuantity
	if sellQty.GreaterThan(l.qty) {
		sellQty = l.qty
	}
	avgCost := l.totalCost.Div(l.qty)
	realized := pnl.Realized(o.FilledPrice, avgCost, sellQty)

	a.realized = a.realized.Add(realized)
	a.cash = a.cash.Add(sellQty.Mul(o.FilledPrice))
	l.totalCost = l.totalCost.Sub(avgCost.Mul(sellQty))
	l.qty = l.qty.Sub(sellQty)
	if !l.qty.IsPositive() {
		delete(a.lots, key)
	}
	return realized
}

// snapshot marks the model to market at ts.
func (a *replayAccount) snapshot(ts time.Time, priceOf func(string) decimal.Decimal) model.Snapshot {
	portfolio := decimal.Zero
	costBasis := decimal.Zero
	for _, l := range a.lots {
		portfolio = portfolio.Add(l.qty.Mul(priceOf(l.symbol)))
		costBasis = costBasis.Add(l.totalCost)
	}

	total := a.cash.Add(portfolio)
	ret := total.Sub(model.StartingBalance)
	retPct := ret.Div(model.StartingBalance).Mul(decimal.NewFromInt(100)).Round(4)

	return model.Snapshot{
		Timestamp:          ts,
		CashBalance:        a.cash,
		PortfolioValue:     portfolio,
		TotalValue:         total,
		RealizedPnL:        a.realized,
		UnrealizedPnL:      portfolio.Sub(costBasis),
		TotalReturn:        ret,
		TotalReturnPercent: retPct,
		Positions:          len(a.lots),
		OrdersCount:        a.orders,
	}
}
