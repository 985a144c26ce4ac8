// Package strategy
package strategy

import (
	"fmt"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
	"github.com/Tedyzetaa/r2-trader/internal/indicator"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

const (
	defaultRSIPeriod     = 14
	defaultRSIOversold   = 30
	defaultRSIOverbought = 70
)

// RSIStrategy trades threshold crossings of Wilder's RSI. A BUY fires only
// when the RSI crosses downward through the oversold level, a SELL only
// when it crosses upward through the overbought level. Merely sitting
// beyond a threshold emits HOLD, so the same condition never re-signals
// while it persists.
type RSIStrategy struct {
	symbol     string
	Period     int
	Oversold   float64
	Overbought float64

	prevRSI float64
	primed  bool
}

// NewRSIStrategy creates an RSI strategy with the given parameters.
func NewRSIStrategy(symbol string, period int, oversold, overbought float64) (*RSIStrategy, error) {
	if period == 0 {
		period = defaultRSIPeriod
	}
	if oversold == 0 {
		oversold = defaultRSIOversold
	}
	if overbought == 0 {
		overbought = defaultRSIOverbought
	}
	if period < 2 {
		return nil, fmt.Errorf("strategy: RSI period must be at least 2, got %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("strategy: RSI thresholds must satisfy 0 < oversold < overbought < 100, got %.1f/%.1f", oversold, overbought)
	}
	return &RSIStrategy{
		symbol:     symbol,
		Period:     period,
		Oversold:   oversold,
		Overbought: overbought,
	}, nil
}

// Name returns the name of the strategy
func (s *RSIStrategy) Name() string { return "rsi" }

// Symbol returns the symbol this strategy is configured for
func (s *RSIStrategy) Symbol() string { return s.symbol }

// WarmupPeriod returns the number of candles needed for warm-up. Two RSI
// values are needed to observe a crossing, hence period+2 closes.
func (s *RSIStrategy) WarmupPeriod() int { return s.Period + 2 }

// Evaluate processes the rolling candle window and generates a signal.
func (s *RSIStrategy) Evaluate(window []candle.Candle) (Signal, error) {
	if len(window) < s.Period+1 {
		return holdSignal(s.symbol, s.Name(), "warming up", window), nil
	}

	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}

	rsi, err := indicator.RSI(closes, s.Period)
	if err != nil {
		return Signal{}, fmt.Errorf("RSI: %w", err)
	}

	last := window[len(window)-1]

	if !s.primed {
		s.primed = true
		s.prevRSI = rsi
		return holdSignal(s.symbol, s.Name(), "rsi state primed", window), nil
	}

	prev := s.prevRSI
	s.prevRSI = rsi

	switch {
	case prev >= s.Oversold && rsi < s.Oversold:
		logger.L().Infof("strategy | [%s %s] BUY - RSI %.2f crossed below %.1f at %.4f",
			s.symbol, s.Name(), rsi, s.Oversold, last.Close)
		return Signal{
			Time:         last.Timestamp,
			Symbol:       s.symbol,
			Action:       Buy,
			Reason:       "RSI crossed below oversold",
			StrategyName: s.Name(),
			TriggerPrice: last.Close,
		}, nil
	case prev <= s.Overbought && rsi > s.Overbought:
		logger.L().Infof("strategy | [%s %s] SELL - RSI %.2f crossed above %.1f at %.4f",
			s.symbol, s.Name(), rsi, s.Overbought, last.Close)
		return Signal{
			Time:         last.Timestamp,
			Symbol:       s.symbol,
			Action:       Sell,
			Reason:       "RSI crossed above overbought",
			StrategyName: s.Name(),
			TriggerPrice: last.Close,
		}, nil
	default:
		return holdSignal(s.symbol, s.Name(), "RSI neutral", window), nil
	}
}
