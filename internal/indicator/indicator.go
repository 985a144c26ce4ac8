// Package indicator provides pure numeric functions over ordered close
// price series. Every function is deterministic: recomputing over the same
// series always yields the same value, with no incremental state.
package indicator

import "errors"

// ErrInsufficientData is returned when a series is shorter than the
// indicator's minimum period. Callers must treat it as "no value yet",
// never as zero.
var ErrInsufficientData = errors.New("indicator: insufficient data")
