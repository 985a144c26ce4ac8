package indicator

import "fmt"

// MACDValue holds the three MACD components for the last close.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the Moving Average Convergence Divergence: the fast EMA
// minus the slow EMA as the MACD line, an EMA of the MACD line as the
// signal line, and their difference as the histogram. Needs at least
// slow+signalPeriod closes.
func MACD(closes []float64, fast, slow, signalPeriod int) (MACDValue, error) {
	if fast <= 0 || slow <= 0 || signalPeriod <= 0 {
		return MACDValue{}, fmt.Errorf("indicator: invalid MACD periods (%d, %d, %d)", fast, slow, signalPeriod)
	}
	if fast >= slow {
		return MACDValue{}, fmt.Errorf("indicator: MACD fast period %d must be below slow period %d", fast, slow)
	}
	if len(closes) < slow+signalPeriod {
		return MACDValue{}, ErrInsufficientData
	}

	fastEMA, err := emaSeries(closes, fast)
	if err != nil {
		return MACDValue{}, err
	}
	slowEMA, err := emaSeries(closes, slow)
	if err != nil {
		return MACDValue{}, err
	}

	// Both series end at the last close; align their tails.
	n := len(slowEMA)
	offset := len(fastEMA) - n
	macdLine := make([]float64, n)
	for i := range macdLine {
		macdLine[i] = fastEMA[offset+i] - slowEMA[i]
	}

	signalEMA, err := emaSeries(macdLine, signalPeriod)
	if err != nil {
		return MACDValue{}, err
	}

	m := macdLine[len(macdLine)-1]
	s := signalEMA[len(signalEMA)-1]
	return MACDValue{MACD: m, Signal: s, Histogram: m - s}, nil
}
