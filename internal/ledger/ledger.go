// Package ledger keeps the authoritative trade history. Every order the
// executor produces passes through RecordOrder, which matches fills into
// positions and realizes pnl when a position closes.
package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/db"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

// Stats summarizes a slice of trade history.
type Stats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	TotalFees   float64 `json:"total_fees"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
}

// Ledger serializes all writes through a single mutex so position
// matching never races, whatever storage sits underneath.
type Ledger struct {
	mu      sync.Mutex
	store   db.Storage
	feeRate float64
}

// New creates a ledger. feePercent is the per-fill fee the exchange
// charges, e.g. 0.1 for 0.1%.
func New(store db.Storage, feePercent float64) *Ledger {
	if feePercent < 0 {
		feePercent = 0
	}
	return &Ledger{store: store, feeRate: feePercent / 100}
}

// RecordOrder persists the order and, for fills, advances position state:
// a fill with no open position opens one; an opposite-side fill closes it
// and returns the realized trade. Non-fill statuses are recorded as-is.
func (l *Ledger) RecordOrder(ctx context.Context, o db.Order) (*db.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("ledger: save order: %w", err)
	}
	if o.Status != "FILLED" || o.FilledQty <= 0 {
		return nil, nil
	}

	pos, err := l.store.GetOpenPosition(ctx, o.Symbol, o.StrategyName)
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup position: %w", err)
	}

	if pos == nil {
		_, err := l.store.OpenPosition(ctx, db.Position{
			Symbol:       o.Symbol,
			StrategyName: o.StrategyName,
			Side:         o.Side,
			Quantity:     o.FilledQty,
			EntryPrice:   o.FillPrice,
			OpenedAt:     o.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger: open position: %w", err)
		}
		logger.L().Infof("ledger | [%s %s] opened %s position qty=%f entry=%f", o.Symbol, o.StrategyName, o.Side, o.FilledQty, o.FillPrice)
		return nil, nil
	}

	if pos.Side == o.Side {
		// The engine gates entries on open positions, so a same-side fill
		// here means gating was bypassed. Record it and leave the position
		// untouched rather than guessing at averaging semantics.
		logger.L().Warnf("ledger | [%s %s] same-side fill with open position, recorded without position change", o.Symbol, o.StrategyName)
		return nil, nil
	}

	trade := realize(*pos, o, l.feeRate)
	recorded, err := l.store.ClosePosition(ctx, pos.ID, trade)
	if err != nil {
		return nil, fmt.Errorf("ledger: close position: %w", err)
	}
	logger.L().Infof("ledger | [%s %s] closed %s position entry=%f exit=%f pnl=%f", o.Symbol, o.StrategyName, pos.Side, trade.EntryPrice, trade.ExitPrice, trade.PnL)
	return &recorded, nil
}

// realize computes the round-trip result. Long positions profit when the
// exit is above the entry; shorts the other way. Fees are charged on both
// fills at the configured rate.
func realize(pos db.Position, exit db.Order, feeRate float64) db.Trade {
	qty := pos.Quantity
	if exit.FilledQty < qty {
		qty = exit.FilledQty
	}
	direction := 1.0
	if pos.Side == "SELL" {
		direction = -1.0
	}
	fees := (pos.EntryPrice + exit.FillPrice) * qty * feeRate
	pnl := (exit.FillPrice-pos.EntryPrice)*qty*direction - fees

	closedAt := exit.UpdatedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	return db.Trade{
		Symbol:       pos.Symbol,
		StrategyName: pos.StrategyName,
		Side:         pos.Side,
		Quantity:     qty,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    exit.FillPrice,
		Fees:         fees,
		PnL:          pnl,
		OpenedAt:     pos.OpenedAt,
		ClosedAt:     closedAt,
	}
}

// OpenPosition reports the open position for a symbol and strategy, or
// nil when flat.
func (l *Ledger) OpenPosition(ctx context.Context, symbol, strategyName string) (*db.Position, error) {
	return l.store.GetOpenPosition(ctx, symbol, strategyName)
}

// History returns completed trades matching the filter, oldest first.
func (l *Ledger) History(ctx context.Context, f db.TradeFilter) ([]db.Trade, error) {
	return l.store.GetTrades(ctx, f)
}

// Stats aggregates the trades matching the filter.
func (l *Ledger) Stats(ctx context.Context, f db.TradeFilter) (Stats, error) {
	trades, err := l.store.GetTrades(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for i, t := range trades {
		s.TotalTrades++
		s.TotalPnL += t.PnL
		s.TotalFees += t.Fees
		if t.PnL > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
		if i == 0 || t.PnL > s.BestTrade {
			s.BestTrade = t.PnL
		}
		if i == 0 || t.PnL < s.WorstTrade {
			s.WorstTrade = t.PnL
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	}
	return s, nil
}

// ExportCSV writes the matching trades to w as CSV.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer, f db.TradeFilter) error {
	trades, err := l.store.GetTrades(ctx, f)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"symbol", "strategy", "side", "entry_price", "exit_price", "quantity", "fees", "pnl", "opened_at", "closed_at"}); err != nil {
		return fmt.Errorf("ledger: write csv header: %w", err)
	}
	for _, t := range trades {
		rec := []string{
			t.Symbol,
			t.StrategyName,
			t.Side,
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(t.Quantity, 'f', -1, 64),
			strconv.FormatFloat(t.Fees, 'f', -1, 64),
			strconv.FormatFloat(t.PnL, 'f', -1, 64),
			t.OpenedAt.UTC().Format(time.RFC3339),
			t.ClosedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("ledger: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
