package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres: nil database handle")
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) GetDB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Postgres) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// -------- Orders --------

func (p *Postgres) SaveOrder(ctx context.Context, o Order) error {
	if o.ClientID == "" {
		return fmt.Errorf("postgres: order has empty client ID")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (client_id, exchange_order_id, symbol, side, quantity, filled_qty, fill_price, status, strategy_name, reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (client_id) DO UPDATE SET
			exchange_order_id=EXCLUDED.exchange_order_id, filled_qty=EXCLUDED.filled_qty,
			fill_price=EXCLUDED.fill_price, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
			o.ClientID, o.ExchangeOrderID, o.Symbol, o.Side, o.Quantity, o.FilledQty, o.FillPrice, o.Status, o.StrategyName, o.Reason, o.CreatedAt, now)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ClientID, err)
		}
		return nil
	})
}

func (p *Postgres) GetOrder(ctx context.Context, clientID string) (Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT client_id, exchange_order_id, symbol, side, quantity, filled_qty, fill_price, status, strategy_name, reason, created_at, updated_at
		FROM orders WHERE client_id=$1`, clientID)
	var o Order
	err := row.Scan(&o.ClientID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Quantity, &o.FilledQty, &o.FillPrice, &o.Status, &o.StrategyName, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return Order{}, fmt.Errorf("order %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to get order %s: %w", clientID, err)
	}
	return o, nil
}

func (p *Postgres) GetOrders(ctx context.Context, symbol string) ([]Order, error) {
	query := `
		SELECT client_id, exchange_order_id, symbol, side, quantity, filled_qty, fill_price, status, strategy_name, reason, created_at, updated_at
		FROM orders`
	args := []any{}
	if symbol != "" {
		query += ` WHERE upper(symbol)=upper($1)`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ClientID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Quantity, &o.FilledQty, &o.FillPrice, &o.Status, &o.StrategyName, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// -------- Positions --------

func (p *Postgres) OpenPosition(ctx context.Context, pos Position) (int64, error) {
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	var id int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO positions (symbol, strategy_name, side, quantity, entry_price, opened_at, closed)
			VALUES ($1,$2,$3,$4,$5,$6,false)
			RETURNING id`,
			pos.Symbol, pos.StrategyName, pos.Side, pos.Quantity, pos.EntryPrice, pos.OpenedAt).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open position for %s/%s: %w", pos.Symbol, pos.StrategyName, err)
	}
	return id, nil
}

func (p *Postgres) GetOpenPosition(ctx context.Context, symbol, strategyName string) (*Position, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, symbol, strategy_name, side, quantity, entry_price, opened_at, closed
		FROM positions WHERE upper(symbol)=upper($1) AND strategy_name=$2 AND closed=false
		ORDER BY opened_at DESC LIMIT 1`, symbol, strategyName)
	var pos Position
	err := row.Scan(&pos.ID, &pos.Symbol, &pos.StrategyName, &pos.Side, &pos.Quantity, &pos.EntryPrice, &pos.OpenedAt, &pos.Closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position for %s/%s: %w", symbol, strategyName, err)
	}
	return &pos, nil
}

// ClosePosition marks the position closed and records the resulting trade
// in the same transaction.
func (p *Postgres) ClosePosition(ctx context.Context, positionID int64, t Trade) (Trade, error) {
	if t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now().UTC()
	}
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE positions SET closed=true WHERE id=$1 AND closed=false`, positionID)
		if err != nil {
			return fmt.Errorf("failed to close position %d: %w", positionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to close position %d: %w", positionID, err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id=$1)`, positionID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to close position %d: %w", positionID, err)
			}
			if !exists {
				return fmt.Errorf("position %d: %w", positionID, ErrNotFound)
			}
			return fmt.Errorf("position %d: %w", positionID, ErrPositionClosed)
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO trades (symbol, strategy_name, side, quantity, entry_price, exit_price, fees, pnl, opened_at, closed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING id`,
			t.Symbol, t.StrategyName, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice, t.Fees, t.PnL, t.OpenedAt, t.ClosedAt).Scan(&t.ID)
	})
	if err != nil {
		return Trade{}, err
	}
	return t, nil
}

// -------- Trades --------

func (p *Postgres) GetTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	query := `
		SELECT id, symbol, strategy_name, side, quantity, entry_price, exit_price, fees, pnl, opened_at, closed_at
		FROM trades WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Symbol != "" {
		query += ` AND upper(symbol)=upper(` + arg(f.Symbol) + `)`
	}
	if f.StrategyName != "" {
		query += ` AND strategy_name=` + arg(f.StrategyName)
	}
	if !f.Start.IsZero() {
		query += ` AND closed_at >= ` + arg(f.Start)
	}
	if !f.End.IsZero() {
		query += ` AND closed_at <= ` + arg(f.End)
	}
	query += ` ORDER BY closed_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.StrategyName, &t.Side, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.Fees, &t.PnL, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -------- Sessions --------

func (p *Postgres) SaveSession(ctx context.Context, s Session) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (symbol, strategy_name, state, last_error, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (symbol, strategy_name) DO UPDATE SET
				state=EXCLUDED.state, last_error=EXCLUDED.last_error, updated_at=EXCLUDED.updated_at`,
			s.Symbol, s.StrategyName, s.State, s.LastError, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save session %s/%s: %w", s.Symbol, s.StrategyName, err)
		}
		return nil
	})
}

func (p *Postgres) GetSessions(ctx context.Context) ([]Session, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT symbol, strategy_name, state, last_error, updated_at
		FROM sessions ORDER BY symbol, strategy_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.Symbol, &s.StrategyName, &s.State, &s.LastError, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// -------- Events --------

func (p *Postgres) LogEvent(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			e.Time, e.Type, e.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event %s: %w", e.Type, err)
		}
		return nil
	})
}

func (p *Postgres) GetEvents(ctx context.Context, eventType string, limit int) ([]Event, error) {
	query := `SELECT id, time, type, description, data FROM events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type=$1`
		args = append(args, eventType)
	}
	query += ` ORDER BY time DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Time, &e.Type, &e.Description, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(raw) > 0 {
			var data any
			if err := json.Unmarshal(raw, &data); err == nil {
				e.Data = data
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
