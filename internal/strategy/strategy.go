// Package strategy
package strategy

import (
	"fmt"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
)

// Action is a strategy's decision for one evaluation cycle.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

type Signal struct {
	Time         time.Time `json:"time"`
	Symbol       string    `json:"symbol"`
	Action       Action    `json:"action"`
	Reason       string    `json:"reason"`
	StrategyName string    `json:"strategy_name"`
	TriggerPrice float64   `json:"trigger_price"`
}

// Strategy is the interface for all trading strategies. Evaluate is
// synchronous and non-blocking; any signal state a variant keeps between
// evaluations (previous crossover sign, previous RSI) is private to it.
type Strategy interface {
	Name() string
	Symbol() string
	WarmupPeriod() int // number of candles needed before non-HOLD signals
	Evaluate(window []candle.Candle) (Signal, error)
}

// Config holds the parameters for one strategy instance. Zero values fall
// back to the variant's defaults.
type Config struct {
	Name         string        `yaml:"strategy"`
	ShortPeriod  int           `yaml:"short_period"`
	LongPeriod   int           `yaml:"long_period"`
	Period       int           `yaml:"period"`
	Oversold     float64       `yaml:"oversold"`
	Overbought   float64       `yaml:"overbought"`
	PollInterval time.Duration `yaml:"-"`
}

// New builds the configured strategy variant for a symbol. Invalid
// parameters fail here so a session never starts with a broken strategy.
func New(symbol string, cfg Config) (Strategy, error) {
	if symbol == "" {
		return nil, fmt.Errorf("strategy: symbol is required")
	}
	switch cfg.Name {
	case "sma-crossover":
		return NewSMACrossover(symbol, cfg.ShortPeriod, cfg.LongPeriod)
	case "rsi":
		return NewRSIStrategy(symbol, cfg.Period, cfg.Oversold, cfg.Overbought)
	default:
		return nil, fmt.Errorf("strategy: unknown strategy %q", cfg.Name)
	}
}

func holdSignal(symbol, name, reason string, window []candle.Candle) Signal {
	sig := Signal{
		Time:         time.Now().UTC(),
		Symbol:       symbol,
		Action:       Hold,
		Reason:       reason,
		StrategyName: name,
	}
	if len(window) > 0 {
		last := window[len(window)-1]
		sig.Time = last.Timestamp
		sig.TriggerPrice = last.Close
	}
	return sig
}
