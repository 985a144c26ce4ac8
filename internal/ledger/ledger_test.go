// Package ledger
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tedyzetaa/r2-trader/internal/db"
)

func filledOrder(clientID, side string, qty, price float64) db.Order {
	return db.Order{
		ClientID:     clientID,
		Symbol:       "BTCUSDT",
		Side:         side,
		Quantity:     qty,
		FilledQty:    qty,
		FillPrice:    price,
		Status:       "FILLED",
		StrategyName: "rsi",
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestLedger_RoundTripPnL(t *testing.T) {
	l := New(db.NewMemory(), 0)
	ctx := context.Background()

	trade, err := l.RecordOrder(ctx, filledOrder("c1", "BUY", 10, 100))
	require.NoError(t, err)
	assert.Nil(t, trade, "entry fill opens a position, no trade yet")

	pos, err := l.OpenPosition(ctx, "BTCUSDT", "rsi")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 100.0, pos.EntryPrice)

	trade, err = l.RecordOrder(ctx, filledOrder("c2", "SELL", 10, 110))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.InDelta(t, 100.0, trade.PnL, 1e-9)
	assert.Equal(t, 100.0, trade.EntryPrice)
	assert.Equal(t, 110.0, trade.ExitPrice)

	pos, err = l.OpenPosition(ctx, "BTCUSDT", "rsi")
	require.NoError(t, err)
	assert.Nil(t, pos, "position is flat after the round trip")
}

func TestLedger_FeesReducePnL(t *testing.T) {
	l := New(db.NewMemory(), 0.1)
	ctx := context.Background()

	_, err := l.RecordOrder(ctx, filledOrder("c1", "BUY", 10, 100))
	require.NoError(t, err)

	trade, err := l.RecordOrder(ctx, filledOrder("c2", "SELL", 10, 110))
	require.NoError(t, err)
	require.NotNil(t, trade)
	// Fees: (100+110)*10*0.001 = 2.1 shaved off the gross 100.
	assert.InDelta(t, 2.1, trade.Fees, 1e-9)
	assert.InDelta(t, 97.9, trade.PnL, 1e-9)
}

func TestLedger_LosingTrade(t *testing.T) {
	l := New(db.NewMemory(), 0)
	ctx := context.Background()

	_, err := l.RecordOrder(ctx, filledOrder("c1", "BUY", 2, 100))
	require.NoError(t, err)

	trade, err := l.RecordOrder(ctx, filledOrder("c2", "SELL", 2, 90))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.InDelta(t, -20.0, trade.PnL, 1e-9)
}

func TestLedger_NonFillStatusesLeavePositionsAlone(t *testing.T) {
	store := db.NewMemory()
	l := New(store, 0)
	ctx := context.Background()

	for _, status := range []string{"SUBMITTED", "REJECTED", "FAILED"} {
		o := filledOrder("c-"+status, "BUY", 1, 100)
		o.Status = status
		o.FilledQty = 0
		trade, err := l.RecordOrder(ctx, o)
		require.NoError(t, err)
		assert.Nil(t, trade)
	}

	pos, err := l.OpenPosition(ctx, "BTCUSDT", "rsi")
	require.NoError(t, err)
	assert.Nil(t, pos)

	orders, err := store.GetOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestLedger_SameSideFillKeepsPosition(t *testing.T) {
	l := New(db.NewMemory(), 0)
	ctx := context.Background()

	_, err := l.RecordOrder(ctx, filledOrder("c1", "BUY", 1, 100))
	require.NoError(t, err)

	trade, err := l.RecordOrder(ctx, filledOrder("c2", "BUY", 1, 105))
	require.NoError(t, err)
	assert.Nil(t, trade)

	pos, err := l.OpenPosition(ctx, "BTCUSDT", "rsi")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 100.0, pos.EntryPrice, "original entry survives the stray fill")
}

func TestLedger_Stats(t *testing.T) {
	l := New(db.NewMemory(), 0)
	ctx := context.Background()

	rounds := []struct{ entry, exit float64 }{
		{100, 110}, // +10
		{110, 105}, // -5
		{105, 125}, // +20
	}
	for i, r := range rounds {
		_, err := l.RecordOrder(ctx, filledOrder(string(rune('a'+i))+"-in", "BUY", 1, r.entry))
		require.NoError(t, err)
		_, err = l.RecordOrder(ctx, filledOrder(string(rune('a'+i))+"-out", "SELL", 1, r.exit))
		require.NoError(t, err)
	}

	stats, err := l.Stats(ctx, db.TradeFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTrades)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 25.0, stats.TotalPnL, 1e-9)
	assert.InDelta(t, 20.0, stats.BestTrade, 1e-9)
	assert.InDelta(t, -5.0, stats.WorstTrade, 1e-9)
}

func TestLedger_StatsEmpty(t *testing.T) {
	l := New(db.NewMemory(), 0)
	stats, err := l.Stats(context.Background(), db.TradeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Equal(t, 0.0, stats.WinRate)
}

func TestLedger_ExportCSV(t *testing.T) {
	l := New(db.NewMemory(), 0)
	ctx := context.Background()

	_, err := l.RecordOrder(ctx, filledOrder("c1", "BUY", 1, 100))
	require.NoError(t, err)
	_, err = l.RecordOrder(ctx, filledOrder("c2", "SELL", 1, 110))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(ctx, &buf, db.TradeFilter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"symbol", "strategy", "side", "entry_price", "exit_price", "quantity", "fees", "pnl", "opened_at", "closed_at"}, records[0])
	assert.Equal(t, "BTCUSDT", records[1][0])
	assert.Equal(t, "10", records[1][7])
}
