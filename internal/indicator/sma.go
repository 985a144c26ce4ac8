package indicator

import "fmt"

// SMA returns the arithmetic mean of the last period closes.
func SMA(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("indicator: invalid SMA period %d", period)
	}
	if len(closes) < period {
		return 0, ErrInsufficientData
	}
	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), nil
}
