package indicator

import "fmt"

// emaSeries computes the exponential moving average over the whole series,
// seeded with the SMA of the first period values. The result holds one
// entry per close from index period-1 onward, so the last entry always
// corresponds to the last close.
func emaSeries(closes []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("indicator: invalid EMA period %d", period)
	}
	if len(closes) < period {
		return nil, ErrInsufficientData
	}
	var seed float64
	for _, c := range closes[:period] {
		seed += c
	}
	seed /= float64(period)

	alpha := 2.0 / float64(period+1)
	out := make([]float64, 0, len(closes)-period+1)
	out = append(out, seed)
	prev := seed
	for _, c := range closes[period:] {
		prev = alpha*c + (1-alpha)*prev
		out = append(out, prev)
	}
	return out, nil
}

// EMA returns the exponential moving average of the last close.
func EMA(closes []float64, period int) (float64, error) {
	series, err := emaSeries(closes, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}
