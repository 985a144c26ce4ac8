// Package exchange
package exchange

import (
	"context"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
)

// Balance is one asset's funds on the exchange. Snapshots are always
// fetched fresh before an order attempt, never cached across sessions.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// OrderRequest describes a market order to submit. ClientID is generated
// once per signal and reused across retries so the exchange can
// deduplicate a resubmission.
type OrderRequest struct {
	Symbol   string
	Side     string // "BUY" or "SELL"
	Quantity float64
	ClientID string
}

// Order is the normalized result of an order submission.
type Order struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            string
	Quantity        float64
	FilledQty       float64
	FillPrice       float64
	Status          string // "FILLED", "REJECTED", ...
	Timestamp       time.Time
}

// Exchange is the contract every supported exchange client satisfies.
type Exchange interface {
	Name() string
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]candle.Candle, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
	CreateMarketOrder(ctx context.Context, req OrderRequest) (Order, error)
}
