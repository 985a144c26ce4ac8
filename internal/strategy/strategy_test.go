// Package strategy
package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
)

// candlesFromCloses builds a minute-spaced candle series where every price
// field equals the close.
func candlesFromCloses(symbol string, closes ...float64) []candle.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		}
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{"sma crossover", "BTCUSDT", Config{Name: "sma-crossover"}, "sma-crossover", false},
		{"rsi", "BTCUSDT", Config{Name: "rsi"}, "rsi", false},
		{"unknown strategy", "BTCUSDT", Config{Name: "macd-divergence"}, "", true},
		{"empty symbol", "", Config{Name: "rsi"}, "", true},
		{"bad sma periods", "BTCUSDT", Config{Name: "sma-crossover", ShortPeriod: 21, LongPeriod: 13}, "", true},
		{"bad rsi thresholds", "BTCUSDT", Config{Name: "rsi", Oversold: 80, Overbought: 20}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.symbol, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, s.Name())
			assert.Equal(t, tt.symbol, s.Symbol())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := New("BTCUSDT", Config{Name: "sma-crossover"})
	require.NoError(t, err)
	sma := s.(*SMACrossover)
	assert.Equal(t, 13, sma.ShortPeriod)
	assert.Equal(t, 21, sma.LongPeriod)

	s, err = New("BTCUSDT", Config{Name: "rsi"})
	require.NoError(t, err)
	rsi := s.(*RSIStrategy)
	assert.Equal(t, 14, rsi.Period)
	assert.Equal(t, 30.0, rsi.Oversold)
	assert.Equal(t, 70.0, rsi.Overbought)
}
