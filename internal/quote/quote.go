// Package quote resolves current prices for symbols. Resolution falls
// through a chain: live quote endpoint → deterministic synthetic price
// keyed by the symbol → generic default. The synthetic price applies a
// small random perturbation during simulated market hours and is stable
// off-hours, so paper accounts see believable intraday movement.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/metrics"
	"github.com/whoptrade/paper-engine/internal/ratelimit"
)

// ErrNoPrice is returned when no positive price can be resolved.
var ErrNoPrice = errors.New("quote: no price available for symbol")

// Source is the pricing dependency consumed by the execution engine,
// the ledger, and the performance builder.
type Source interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// DefaultBasePrice is used when a symbol hashes to nothing sensible
// (empty after normalization).
var DefaultBasePrice = decimal.NewFromInt(100)

// marketTZ is the fixed Eastern offset used for simulated market hours.
// A fixed offset (no DST) keeps the synthetic feed deterministic.
var marketTZ = time.FixedZone("ET", -5*60*60)

// Resolver implements Source with the live→synthetic fallback chain.
type Resolver struct {
	baseURL string // live quote endpoint; empty disables the live leg
	client  *http.Client
	limiter *ratelimit.TokenBucket
	now     func() time.Time
}

// NewResolver creates a resolver. baseURL may be empty to run fully
// synthetic. The limiter bounds outbound calls to the live endpoint;
// when no token is available the synthetic price is served instead.
func NewResolver(baseURL string, timeout time.Duration, limiter *ratelimit.TokenBucket) *Resolver {
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		now:     time.Now,
	}
}

// quoteResponse is the collaborator quote service's JSON shape.
type quoteResponse struct {
	Price float64 `json:"price"`
	Bid   float64 `json:"bid,omitempty"`
	Ask   float64 `json:"ask,omitempty"`
}

// Price resolves a current price for symbol. It never returns a zero or
// negative price with a nil error.
func (r *Resolver) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if r.baseURL != "" {
		if r.limiter == nil || r.limiter.Allow() {
			if price, err := r.fetchLive(ctx, symbol); err == nil {
				return price, nil
			}
		}
		// Live leg configured but unusable: count the fallback.
		metrics.QuoteFallbacksTotal.Inc()
	}

	price := r.Synthetic(symbol, r.now())
	if !price.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return price, nil
}

// fetchLive queries the collaborator quote endpoint.
func (r *Resolver) fetchLive(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s", r.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("live quote fetch failed", "symbol", symbol, "err", err)
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote: endpoint returned %d", resp.StatusCode)
	}

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return decimal.Zero, err
	}
	if q.Price <= 0 {
		return decimal.Zero, ErrNoPrice
	}
	return decimal.NewFromFloat(q.Price), nil
}

// Synthetic returns the deterministic fallback price for symbol at t.
// Off-hours this is the symbol's stable base price; during simulated
// market hours a ±0.5% perturbation is applied.
func (r *Resolver) Synthetic(symbol string, t time.Time) decimal.Decimal {
	base := BasePrice(symbol)
	if !MarketOpen(t) {
		return base
	}
	// ±0.5% random walk step around the base.
	factor := decimal.NewFromFloat(1 + (rand.Float64()-0.5)*0.01)
	return base.Mul(factor).Round(4)
}

// BasePrice derives a stable per-symbol base price by hashing the
// symbol into the $20–$520 band. The same symbol always maps to the
// same base.
func BasePrice(symbol string) decimal.Decimal {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return DefaultBasePrice
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	cents := int64(h.Sum32() % 50000) // 0–499.99 dollars of spread
	return decimal.NewFromInt(20).Add(decimal.New(cents, -2))
}

// MarketOpen reports whether t falls within simulated market hours:
// weekdays 09:30–16:00 in the fixed Eastern offset.
func MarketOpen(t time.Time) bool {
	et := t.In(marketTZ)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
