// Package db
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("db: not found")
	// ErrPositionClosed is returned when closing a position twice.
	ErrPositionClosed = errors.New("db: position already closed")
)

// Order is the persisted record of an order sent (or attempted) to the
// exchange. ClientID is our idempotency key; ExchangeOrderID is filled in
// once the exchange acknowledges.
type Order struct {
	ClientID        string    `json:"client_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	FilledQty       float64   `json:"filled_qty"`
	FillPrice       float64   `json:"fill_price"`
	Status          string    `json:"status"`
	StrategyName    string    `json:"strategy_name"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Position is an open exposure created by an entry fill and closed by an
// opposite-side fill.
type Position struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	StrategyName string    `json:"strategy_name"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	OpenedAt     time.Time `json:"opened_at"`
	Closed       bool      `json:"closed"`
}

// Trade is a completed round trip with realized pnl.
type Trade struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	StrategyName string    `json:"strategy_name"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	Fees         float64   `json:"fees"`
	PnL          float64   `json:"pnl"`
	OpenedAt     time.Time `json:"opened_at"`
	ClosedAt     time.Time `json:"closed_at"`
}

// TradeFilter narrows trade history queries. Zero values mean "any".
type TradeFilter struct {
	Symbol       string
	StrategyName string
	Start        time.Time
	End          time.Time
	Limit        int
}

// Session is the persisted state of a trading session so the engine can
// restore after a restart.
type Session struct {
	Symbol       string    `json:"symbol"`
	StrategyName string    `json:"strategy_name"`
	State        string    `json:"state"`
	LastError    string    `json:"last_error"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event is an append-only journal entry.
type Event struct {
	ID          int64     `json:"id"`
	Time        time.Time `json:"time"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Data        any       `json:"data,omitempty"`
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB

	// Orders, keyed by ClientID; SaveOrder upserts.
	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, clientID string) (Order, error)
	GetOrders(ctx context.Context, symbol string) ([]Order, error)

	// Positions.
	OpenPosition(ctx context.Context, p Position) (int64, error)
	GetOpenPosition(ctx context.Context, symbol, strategyName string) (*Position, error)
	ClosePosition(ctx context.Context, positionID int64, t Trade) (Trade, error)

	// Trades (read side; rows are created by ClosePosition).
	GetTrades(ctx context.Context, f TradeFilter) ([]Trade, error)

	// Sessions, keyed by symbol+strategy; SaveSession upserts.
	SaveSession(ctx context.Context, s Session) error
	GetSessions(ctx context.Context) ([]Session, error)

	// Journal.
	LogEvent(ctx context.Context, e Event) error
	GetEvents(ctx context.Context, eventType string, limit int) ([]Event, error)

	Close() error
}
