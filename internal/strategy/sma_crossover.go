// Package strategy
package strategy

import (
	"fmt"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
	"github.com/Tedyzetaa/r2-trader/internal/indicator"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

const (
	defaultSMAShortPeriod = 13
	defaultSMALongPeriod  = 21
)

// SMACrossover trades the crossover of a short and a long simple moving
// average. Signals are edge-triggered: a BUY fires only when the short SMA
// moves from at-or-below the long SMA to above it, a SELL only on the
// opposite transition. While the sign of the difference is unchanged the
// strategy holds, so a persisting crossover never re-signals every tick.
type SMACrossover struct {
	symbol      string
	ShortPeriod int
	LongPeriod  int

	prevDiff float64
	primed   bool
}

// NewSMACrossover creates an SMA crossover strategy with the given periods.
func NewSMACrossover(symbol string, shortPeriod, longPeriod int) (*SMACrossover, error) {
	if shortPeriod == 0 {
		shortPeriod = defaultSMAShortPeriod
	}
	if longPeriod == 0 {
		longPeriod = defaultSMALongPeriod
	}
	if shortPeriod < 1 || longPeriod < 1 {
		return nil, fmt.Errorf("strategy: SMA periods must be positive, got %d/%d", shortPeriod, longPeriod)
	}
	if shortPeriod >= longPeriod {
		return nil, fmt.Errorf("strategy: SMA short period %d must be below long period %d", shortPeriod, longPeriod)
	}
	return &SMACrossover{
		symbol:      symbol,
		ShortPeriod: shortPeriod,
		LongPeriod:  longPeriod,
	}, nil
}

// Name returns the name of the strategy
func (s *SMACrossover) Name() string { return "sma-crossover" }

// Symbol returns the symbol this strategy is configured for
func (s *SMACrossover) Symbol() string { return s.symbol }

// WarmupPeriod returns the number of candles needed for warm-up. One extra
// candle beyond the long period so a crossover can be observed as a
// transition rather than a level.
func (s *SMACrossover) WarmupPeriod() int { return s.LongPeriod + 1 }

// Evaluate processes the rolling candle window and generates a signal.
func (s *SMACrossover) Evaluate(window []candle.Candle) (Signal, error) {
	if len(window) < s.LongPeriod {
		return holdSignal(s.symbol, s.Name(), "warming up", window), nil
	}

	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}

	shortSMA, err := indicator.SMA(closes, s.ShortPeriod)
	if err != nil {
		return Signal{}, fmt.Errorf("short SMA: %w", err)
	}
	longSMA, err := indicator.SMA(closes, s.LongPeriod)
	if err != nil {
		return Signal{}, fmt.Errorf("long SMA: %w", err)
	}

	diff := shortSMA - longSMA
	last := window[len(window)-1]

	if !s.primed {
		s.primed = true
		s.prevDiff = diff
		return holdSignal(s.symbol, s.Name(), "crossover state primed", window), nil
	}

	prev := s.prevDiff
	s.prevDiff = diff

	switch {
	case prev <= 0 && diff > 0:
		logger.L().Infof("strategy | [%s %s] BUY - short SMA %.4f crossed above long SMA %.4f at %.4f",
			s.symbol, s.Name(), shortSMA, longSMA, last.Close)
		return Signal{
			Time:         last.Timestamp,
			Symbol:       s.symbol,
			Action:       Buy,
			Reason:       "short SMA crossed above long SMA",
			StrategyName: s.Name(),
			TriggerPrice: last.Close,
		}, nil
	case prev >= 0 && diff < 0:
		logger.L().Infof("strategy | [%s %s] SELL - short SMA %.4f crossed below long SMA %.4f at %.4f",
			s.symbol, s.Name(), shortSMA, longSMA, last.Close)
		return Signal{
			Time:         last.Timestamp,
			Symbol:       s.symbol,
			Action:       Sell,
			Reason:       "short SMA crossed below long SMA",
			StrategyName: s.Name(),
			TriggerPrice: last.Close,
		}, nil
	default:
		return holdSignal(s.symbol, s.Name(), "no crossover", window), nil
	}
}
