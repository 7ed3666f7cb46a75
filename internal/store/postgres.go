package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/whoptrade/paper-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Tables: balances (user_id PK), positions (user_id, symbol, asset_type PK),
// orders (id PK). Fills and portfolio rebuilds run inside a transaction with
// the balance row locked FOR UPDATE, so a failure partway rolls back every
// write from that request.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const orderColumns = `id, user_id, symbol, asset_type, side, order_type,
	quantity::TEXT, price::TEXT, filled_quantity::TEXT, filled_price::TEXT,
	status, realized_pnl::TEXT, created_at, filled_at`

func (s *PostgresStore) EnsureBalance(ctx context.Context, userID string) (*model.Balance, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, balance, available_balance, total_pnl, daily_pnl, weekly_pnl, monthly_pnl, pnl_updated_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $2::NUMERIC, 0, 0, 0, 0, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, model.StartingBalance.String(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure balance %s: %w", userID, err)
	}
	return s.getBalance(ctx, s.pool, userID)
}

// querier abstracts pool vs transaction for balance reads.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getBalance(ctx context.Context, q querier, userID string) (*model.Balance, error) {
	return scanBalance(q.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, available_balance::TEXT,
		        total_pnl::TEXT, daily_pnl::TEXT, weekly_pnl::TEXT, monthly_pnl::TEXT,
		        pnl_updated_at, updated_at
		 FROM balances WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error) {
	where := []string{"TRUE"}
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Symbol != "" {
		add("symbol = $%d", strings.ToUpper(f.Symbol))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			orderColumns, cond, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	return orders, total, err
}

func (s *PostgresStore) ListFilledOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status = 'filled'
		 ORDER BY filled_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) CancelOrder(ctx context.Context, id, userID string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders SET status = 'cancelled'
		 WHERE id = $1 AND user_id = $2 AND status = 'pending'
		 RETURNING `+orderColumns, id, userID))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Distinguish missing from already-terminal.
	var status string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM orders WHERE id = $1 AND user_id = $2`, id, userID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNotCancellable
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM balances
		 UNION SELECT user_id FROM orders
		 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, symbol, assetType string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT user_id, symbol, asset_type, quantity::TEXT, average_cost::TEXT, created_at, updated_at
		 FROM positions WHERE user_id = $1 AND symbol = $2 AND asset_type = $3`,
		userID, strings.ToUpper(symbol), assetType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, asset_type, quantity::TEXT, average_cost::TEXT, created_at, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ApplyFill(ctx context.Context, fill Fill) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply fill: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the balance row for the duration of the commit.
	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT user_id FROM balances WHERE user_id = $1 FOR UPDATE`,
		fill.Balance.UserID).Scan(&locked); err != nil {
		return fmt.Errorf("apply fill: lock balance: %w", err)
	}

	o := fill.Order
	if _, err := tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, asset_type, side, order_type,
		                     quantity, price, filled_quantity, filled_price,
		                     status, realized_pnl, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12::NUMERIC, $13, $14)`,
		o.ID, o.UserID, o.Symbol, o.AssetType, o.Side, o.OrderType,
		o.Quantity.String(), o.Price.String(), o.FilledQuantity.String(), o.FilledPrice.String(),
		o.Status, o.RealizedPnL.String(), o.CreatedAt, o.FilledAt,
	); err != nil {
		return fmt.Errorf("apply fill: insert order: %w", err)
	}

	if err := updateBalance(ctx, tx, fill.Balance); err != nil {
		return fmt.Errorf("apply fill: update balance: %w", err)
	}

	if fill.RemovePosition {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND symbol = $2 AND asset_type = $3`,
			o.UserID, o.Symbol, o.AssetType); err != nil {
			return fmt.Errorf("apply fill: delete position: %w", err)
		}
	} else if fill.Position != nil {
		if err := upsertPosition(ctx, tx, fill.Position); err != nil {
			return fmt.Errorf("apply fill: upsert position: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RebuildPortfolio(ctx context.Context, rb Rebuild) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rebuild portfolio: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT user_id FROM balances WHERE user_id = $1 FOR UPDATE`,
		rb.UserID).Scan(&locked); err != nil {
		return fmt.Errorf("rebuild portfolio: lock balance: %w", err)
	}

	if err := updateBalance(ctx, tx, rb.Balance); err != nil {
		return fmt.Errorf("rebuild portfolio: update balance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1`, rb.UserID); err != nil {
		return fmt.Errorf("rebuild portfolio: clear positions: %w", err)
	}
	for i := range rb.Positions {
		if err := upsertPosition(ctx, tx, &rb.Positions[i]); err != nil {
			return fmt.Errorf("rebuild portfolio: insert position: %w", err)
		}
	}

	for id, pnl := range rb.OrderPnL {
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET realized_pnl = $2::NUMERIC WHERE id = $1`,
			id, pnl.String()); err != nil {
			return fmt.Errorf("rebuild portfolio: write order pnl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func updateBalance(ctx context.Context, tx pgx.Tx, b *model.Balance) error {
	_, err := tx.Exec(ctx,
		`UPDATE balances
		 SET balance = $2::NUMERIC, available_balance = $3::NUMERIC,
		     total_pnl = $4::NUMERIC, daily_pnl = $5::NUMERIC,
		     weekly_pnl = $6::NUMERIC, monthly_pnl = $7::NUMERIC,
		     pnl_updated_at = $8, updated_at = $9
		 WHERE user_id = $1`,
		b.UserID, b.Balance.String(), b.AvailableBalance.String(),
		b.TotalPnL.String(), b.DailyPnL.String(),
		b.WeeklyPnL.String(), b.MonthlyPnL.String(),
		b.PnLUpdatedAt, b.UpdatedAt,
	)
	return err
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, asset_type, quantity, average_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (user_id, symbol, asset_type)
		 DO UPDATE SET quantity = EXCLUDED.quantity,
		               average_cost = EXCLUDED.average_cost,
		               updated_at = EXCLUDED.updated_at`,
		p.UserID, strings.ToUpper(p.Symbol), p.AssetType,
		p.Quantity.String(), p.AverageCost.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var qty, price, filledQty, filledPrice, realized string

	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.AssetType, &o.Side, &o.OrderType,
		&qty, &price, &filledQty, &filledPrice,
		&o.Status, &realized, &o.CreatedAt, &o.FilledAt); err != nil {
		return nil, err
	}

	o.Quantity, _ = decimal.NewFromString(qty)
	o.Price, _ = decimal.NewFromString(price)
	o.FilledQuantity, _ = decimal.NewFromString(filledQty)
	o.FilledPrice, _ = decimal.NewFromString(filledPrice)
	o.RealizedPnL, _ = decimal.NewFromString(realized)
	return &o, nil
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var qty, avg string

	if err := row.Scan(&p.UserID, &p.Symbol, &p.AssetType, &qty, &avg,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AverageCost, _ = decimal.NewFromString(avg)
	return &p, nil
}

func scanBalance(row rowScanner) (*model.Balance, error) {
	var b model.Balance
	var bal, avail, total, daily, weekly, monthly string

	if err := row.Scan(&b.UserID, &bal, &avail,
		&total, &daily, &weekly, &monthly,
		&b.PnLUpdatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	b.Balance, _ = decimal.NewFromString(bal)
	b.AvailableBalance, _ = decimal.NewFromString(avail)
	b.TotalPnL, _ = decimal.NewFromString(total)
	b.DailyPnL, _ = decimal.NewFromString(daily)
	b.WeeklyPnL, _ = decimal.NewFromString(weekly)
	b.MonthlyPnL, _ = decimal.NewFromString(monthly)
	return &b, nil
}
