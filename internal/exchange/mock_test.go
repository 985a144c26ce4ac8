// Package exchange
package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
)

func mockSeries(symbol string, closes ...float64) []candle.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Symbol: symbol, Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open: c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return out
}

func TestMockExchange_KlinesLimit(t *testing.T) {
	m := NewMockExchange()
	m.SetKlines("BTCUSDT", mockSeries("BTCUSDT", 1, 2, 3, 4, 5))

	candles, err := m.GetKlines(context.Background(), "BTCUSDT", "1m", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, 3.0, candles[0].Close)
	assert.Equal(t, 5.0, candles[2].Close)
}

func TestMockExchange_OrderMovesBalances(t *testing.T) {
	m := NewMockExchange()
	m.SetKlines("BTCUSDT", mockSeries("BTCUSDT", 100))
	m.SetBalance("USDT", 250)
	ctx := context.Background()

	order, err := m.CreateMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Quantity: 2, ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", order.Status)
	assert.Equal(t, "c1", order.ClientID)
	assert.Equal(t, 100.0, order.FillPrice)

	usdt, _ := m.GetBalance(ctx, "USDT")
	btc, _ := m.GetBalance(ctx, "BTC")
	assert.Equal(t, 50.0, usdt.Free)
	assert.Equal(t, 2.0, btc.Free)

	// Selling brings the quote back.
	_, err = m.CreateMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "SELL", Quantity: 2, ClientID: "c2"})
	require.NoError(t, err)
	usdt, _ = m.GetBalance(ctx, "USDT")
	assert.Equal(t, 250.0, usdt.Free)
}

func TestMockExchange_RejectsUnfundedOrder(t *testing.T) {
	m := NewMockExchange()
	m.SetKlines("BTCUSDT", mockSeries("BTCUSDT", 100))
	m.SetBalance("USDT", 50)

	_, err := m.CreateMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, ClientID: "c1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestMockExchange_UnknownSymbol(t *testing.T) {
	m := NewMockExchange()
	_, err := m.CreateMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func TestWallexResolutionsCoverIntervalDurations(t *testing.T) {
	for interval := range wallexResolutions {
		_, ok := intervalDurations[interval]
		assert.True(t, ok, "interval %s has a resolution but no duration", interval)
	}
}
