// Package trade provides the HTTP handlers and business logic for the
// paper trading engine: order execution, position and balance queries,
// portfolio recalculation, and performance history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/ledger"
	"github.com/whoptrade/paper-engine/internal/metrics"
	"github.com/whoptrade/paper-engine/internal/model"
	"github.com/whoptrade/paper-engine/internal/perf"
	"github.com/whoptrade/paper-engine/internal/pnl"
	"github.com/whoptrade/paper-engine/internal/quote"
	"github.com/whoptrade/paper-engine/internal/store"
)

// Service handles trading operations. Uses a mutex for serialized order
// execution (single-instance); the store commits each fill in one
// transaction, so a failure partway rolls back all writes for that
// order. For horizontal scaling, replace the mutex with database-level
// optimistic concurrency.
type Service struct {
	store  store.Store
	quotes quote.Source
	ledger *ledger.Service
	perf   *perf.Builder
	wsHub  *WSHub // optional hub for real-time fill broadcasts
	mu     sync.Mutex
	now    func() time.Time
}

// NewService creates a new trading service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, quotes quote.Source, hub *WSHub) *Service {
	return &Service{
		store:  st,
		quotes: quotes,
		ledger: ledger.NewService(st, quotes),
		perf:   perf.NewBuilder(st, quotes),
		wsHub:  hub,
		now:    time.Now,
	}
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	OrderType string          `json:"order_type"`
	Quantity  decimal.Decimal `json:"quantity"`
	AssetType string          `json:"asset_type"`
}

// Pagination describes a page of list results.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// OrdersResponse is the JSON body for GET /orders.
type OrdersResponse struct {
	Orders     []model.Order `json:"orders"`
	Pagination Pagination    `json:"pagination"`
}

// RecalculateRequest is the JSON body for POST /pnl/recalculate.
type RecalculateRequest struct {
	UserID string `json:"user_id"`
}

// requestError carries an HTTP status alongside a user-facing message.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func reject(status int, reason, format string, args ...any) *requestError {
	metrics.OrderRejectionsTotal.WithLabelValues(reason).Inc()
	return &requestError{status: status, message: fmt.Sprintf(format, args...)}
}

// --- Order execution ---

// executeMarketOrder validates the request, resolves the execution
// price server-side, and commits the fill atomically. All validation
// happens before any mutation.
func (s *Service) executeMarketOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	start := time.Now()

	// --- Input validation ---
	if req.UserID == "" {
		return nil, reject(http.StatusBadRequest, "user", "user_id is required")
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return nil, reject(http.StatusBadRequest, "symbol", "symbol is required")
	}
	if req.OrderType != model.OrderTypeMarket {
		return nil, reject(http.StatusBadRequest, "order_type",
			"only market orders are supported, got %q", req.OrderType)
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, reject(http.StatusBadRequest, "side", "side must be buy or sell")
	}
	if !req.Quantity.IsPositive() {
		return nil, reject(http.StatusBadRequest, "quantity", "quantity must be positive")
	}
	if req.AssetType == "" {
		req.AssetType = model.AssetStock
	}
	if req.AssetType != model.AssetStock && req.AssetType != model.AssetOption {
		return nil, reject(http.StatusBadRequest, "asset_type",
			"asset_type must be stock or option")
	}

	// Serialize execution: the balance/position read-modify-write below
	// must not interleave across requests.
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := s.store.EnsureBalance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}

	// Execution price is always resolved server-side. Client-submitted
	// prices are never trusted.
	price, err := s.quotes.Price(ctx, req.Symbol)
	if err != nil || !price.IsPositive() {
		return nil, reject(http.StatusBadRequest, "price",
			"unable to resolve a market price for %s", req.Symbol)
	}

	notional := req.Quantity.Mul(price)
	now := s.now().UTC()

	order := &model.Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		AssetType:      req.AssetType,
		Side:           req.Side,
		OrderType:      model.OrderTypeMarket,
		Quantity:       req.Quantity,
		Price:          price,
		FilledQuantity: req.Quantity,
		FilledPrice:    price,
		Status:         model.StatusFilled,
		RealizedPnL:    decimal.Zero,
		CreatedAt:      now,
		FilledAt:       now,
	}

	fill := store.Fill{Order: order, Balance: balance}

	if req.Side == model.SideBuy {
		if notional.GreaterThan(balance.AvailableBalance) {
			return nil, reject(http.StatusBadRequest, "insufficient_balance",
				"insufficient balance: order costs %s but only %s is available",
				notional.StringFixed(2), balance.AvailableBalance.StringFixed(2))
		}

		balance.AvailableBalance = balance.AvailableBalance.Sub(notional)

		pos, err := s.store.GetPosition(ctx, req.UserID, req.Symbol, req.AssetType)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load position: %w", err)
		}
		if pos == nil {
			pos = &model.Position{
				UserID:    req.UserID,
				Symbol:    req.Symbol,
				AssetType: req.AssetType,
				CreatedAt: now,
			}
		}
		avg, err := pnl.WeightedAverageCost(pos.Quantity, pos.AverageCost, req.Quantity, price)
		if err != nil {
			return nil, fmt.Errorf("average cost: %w", err)
		}
		pos.Quantity = pos.Quantity.Add(req.Quantity)
		pos.AverageCost = avg
		pos.UpdatedAt = now
		fill.Position = pos
	} else {
		pos, err := s.store.GetPosition(ctx, req.UserID, req.Symbol, req.AssetType)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, reject(http.StatusBadRequest, "insufficient_position",
					"You have 0 shares of %s but are trying to sell %s",
					req.Symbol, req.Quantity)
			}
			return nil, fmt.Errorf("load position: %w", err)
		}
		if pos.Quantity.LessThan(req.Quantity) {
			return nil, reject(http.StatusBadRequest, "insufficient_position",
				"You have %s shares of %s but are trying to sell %s",
				pos.Quantity, req.Symbol, req.Quantity)
		}

		realized := pnl.Realized(price, pos.AverageCost, req.Quantity)
		order.RealizedPnL = realized

		balance.AvailableBalance = balance.AvailableBalance.Add(notional)
		// Equity estimate moves by the locked-in P&L: the position
		// leaves at average cost, cash comes back at the fill price.
		balance.Balance = balance.Balance.Add(realized)
		rollBuckets(balance, now)
		balance.TotalPnL = balance.TotalPnL.Add(realized)
		balance.DailyPnL = balance.DailyPnL.Add(realized)
		balance.WeeklyPnL = balance.WeeklyPnL.Add(realized)
		balance.MonthlyPnL = balance.MonthlyPnL.Add(realized)
		balance.PnLUpdatedAt = now

		pos.Quantity = pos.Quantity.Sub(req.Quantity)
		pos.UpdatedAt = now
		if pos.Quantity.IsPositive() {
			fill.Position = pos
		} else {
			fill.RemovePosition = true
		}
	}

	balance.UpdatedAt = now

	if err := s.store.ApplyFill(ctx, fill); err != nil {
		return nil, fmt.Errorf("apply fill: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(req.Side).Inc()
	metrics.FillLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())

	slog.Info("order filled",
		"order_id", order.ID,
		"user", req.UserID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"fill_price", price.String(),
		"notional", notional.String(),
	)

	if s.wsHub != nil {
		msg := WSMessage{
			Type:      "order_filled",
			UserID:    order.UserID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.FilledQuantity.String(),
			FillPrice: order.FilledPrice.String(),
		}
		if order.Side == model.SideSell {
			msg.RealizedPnL = order.RealizedPnL.String()
		}
		s.wsHub.Broadcast(msg)
	}

	return order, nil
}

// rollBuckets zeroes each P&L bucket whose period has rolled over since
// the balance was last touched.
func rollBuckets(b *model.Balance, now time.Time) {
	if !pnl.SamePeriod(now, b.PnLUpdatedAt, pnl.DayStart) {
		b.DailyPnL = decimal.Zero
	}
	if !pnl.SamePeriod(now, b.PnLUpdatedAt, pnl.WeekStart) {
		b.WeeklyPnL = decimal.Zero
	}
	if !pnl.SamePeriod(now, b.PnLUpdatedAt, pnl.MonthStart) {
		b.MonthlyPnL = decimal.Zero
	}
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.executeMarketOrder(r.Context(), req)
	if err != nil {
		s.writeExecError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders
// Query: user_id (required), status?, symbol?, limit?, offset?|page?.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	limit := intParam(q.Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}
	offset := intParam(q.Get("offset"), 0)
	if page := intParam(q.Get("page"), 0); page > 1 && offset == 0 {
		offset = (page - 1) * limit
	}

	orders, total, err := s.store.ListOrders(r.Context(), store.OrderFilter{
		UserID: userID,
		Status: q.Get("status"),
		Symbol: q.Get("symbol"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		slog.Error("list orders failed", "user", userID, "err", err)
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	writeJSON(w, http.StatusOK, OrdersResponse{
		Orders:     orders,
		Pagination: Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	_, err := s.store.CancelOrder(r.Context(), orderID, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrNotCancellable):
		writeError(w, "order is already filled or cancelled", http.StatusConflict)
		return
	case err != nil:
		slog.Error("cancel order failed", "order", orderID, "err", err)
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "order cancelled",
	})
}

// GetPositions handles GET /api/v1/positions
// Returns positions enriched with live quote-derived unrealized P&L.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	positions, err := s.store.ListPositions(r.Context(), userID)
	if err != nil {
		slog.Error("list positions failed", "user", userID, "err", err)
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	views := make([]model.PositionView, 0, len(positions))
	hundred := decimal.NewFromInt(100)
	for _, p := range positions {
		view := model.PositionView{Position: p}
		if price, err := s.quotes.Price(r.Context(), p.Symbol); err == nil {
			view.CurrentPrice = price
			view.MarketValue = p.Quantity.Mul(price)
			view.UnrealizedPnL = pnl.Unrealized(price, p.AverageCost, p.Quantity)
			if basis := p.CostBasis(); basis.IsPositive() {
				view.UnrealizedPnLPct = view.UnrealizedPnL.Div(basis).Mul(hundred).Round(4)
			}
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, views)
}

// ClosePosition handles DELETE /api/v1/positions
// Query: user_id, symbol, asset_type?, percentage?. Liquidates fully or
// partially via a synthetic market sell through the normal execution
// path.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if userID == "" || symbol == "" {
		writeError(w, "user_id and symbol are required", http.StatusBadRequest)
		return
	}
	assetType := q.Get("asset_type")
	if assetType == "" {
		assetType = model.AssetStock
	}

	pct := decimal.NewFromInt(100)
	if raw := q.Get("percentage"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() || parsed.GreaterThan(decimal.NewFromInt(100)) {
			writeError(w, "percentage must be in (0, 100]", http.StatusBadRequest)
			return
		}
		pct = parsed
	}

	pos, err := s.store.GetPosition(r.Context(), userID, symbol, assetType)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("load position failed", "user", userID, "symbol", symbol, "err", err)
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}

	qty := pos.Quantity
	if !pct.Equal(decimal.NewFromInt(100)) {
		qty = pos.Quantity.Mul(pct).Div(decimal.NewFromInt(100)).Floor()
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		if qty.GreaterThan(pos.Quantity) {
			qty = pos.Quantity
		}
	}

	order, err := s.executeMarketOrder(r.Context(), OrderRequest{
		UserID:    userID,
		Symbol:    symbol,
		Side:      model.SideSell,
		OrderType: model.OrderTypeMarket,
		Quantity:  qty,
		AssetType: assetType,
	})
	if err != nil {
		s.writeExecError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// GetBalance handles GET /api/v1/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	balance, err := s.store.EnsureBalance(r.Context(), userID)
	if err != nil {
		slog.Error("load balance failed", "user", userID, "err", err)
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// Recalculate handles POST /api/v1/pnl/recalculate
// With a user_id in the body recalculates one account, otherwise every
// known account.
func (s *Service) Recalculate(w http.ResponseWriter, r *http.Request) {
	// An empty body means "all users".
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID != "" {
		result, err := s.ledger.Recalculate(r.Context(), req.UserID)
		if err != nil {
			slog.Error("recalculation failed", "user", req.UserID, "err", err)
			writeError(w, "recalculation failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	results, err := s.ledger.RecalculateAll(r.Context())
	if err != nil {
		slog.Error("bulk recalculation failed", "err", err)
		writeError(w, "recalculation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":   len(results),
		"results": results,
	})
}

// GetPerformance handles GET /api/v1/performance
// Query: user_id (required), period?, granularity?.
func (s *Service) GetPerformance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	report, err := s.perf.History(r.Context(), userID, q.Get("period"), q.Get("granularity"))
	switch {
	case errors.Is(err, perf.ErrInvalidPeriod), errors.Is(err, perf.ErrInvalidGranularity):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("performance build failed", "user", userID, "err", err)
		writeError(w, "failed to build performance history", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func (s *Service) writeExecError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, re.message, re.status)
		return
	}
	slog.Error("order execution failed", "err", err)
	writeError(w, "order execution failed", http.StatusInternalServerError)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
