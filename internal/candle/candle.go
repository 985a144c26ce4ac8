// Package candle
package candle

import (
	"errors"
	"sort"
	"time"
)

type Candle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	if c.Symbol == "" {
		return errors.New("candle symbol cannot be empty")
	}
	return nil
}

// Window is a bounded rolling window of candles ordered by open time.
// A session owns exactly one window; it is not safe for concurrent use.
type Window struct {
	max     int
	candles []Candle
}

// NewWindow creates a window that retains at most max candles.
func NewWindow(max int) *Window {
	if max < 1 {
		max = 1
	}
	return &Window{max: max, candles: make([]Candle, 0, max)}
}

// Replace swaps the window contents for a freshly fetched series. Invalid
// candles are dropped, the rest are sorted by open time, deduplicated on
// timestamp, and trimmed to the most recent max entries.
func (w *Window) Replace(candles []Candle) {
	valid := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			continue
		}
		c.Timestamp = c.Timestamp.UTC()
		valid = append(valid, c)
	}
	sort.Slice(valid, func(i, j int) bool {
		return valid[i].Timestamp.Before(valid[j].Timestamp)
	})
	deduped := valid[:0]
	for _, c := range valid {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(c.Timestamp) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	if len(deduped) > w.max {
		deduped = deduped[len(deduped)-w.max:]
	}
	w.candles = append(w.candles[:0], deduped...)
}

// Candles returns the window contents, oldest first.
func (w *Window) Candles() []Candle { return w.candles }

// Closes returns the close price series, oldest first.
func (w *Window) Closes() []float64 {
	closes := make([]float64, len(w.candles))
	for i, c := range w.candles {
		closes[i] = c.Close
	}
	return closes
}

// Len returns the number of candles currently retained.
func (w *Window) Len() int { return len(w.candles) }

// Last returns the most recent candle, if any.
func (w *Window) Last() (Candle, bool) {
	if len(w.candles) == 0 {
		return Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}
