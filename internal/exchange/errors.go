package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors classifying exchange failures. Clients wrap their
// protocol-specific errors with one of these so callers can decide whether
// to retry without knowing the exchange.
var (
	// ErrRateLimited marks a rate-limit rejection; retryable after backoff.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrInvalidSymbol marks a permanently unknown trading pair.
	ErrInvalidSymbol = errors.New("exchange: invalid symbol")
	// ErrAuth marks rejected credentials or missing permissions.
	ErrAuth = errors.New("exchange: authentication failed")
	// ErrInsufficientBalance is the exchange's own balance rejection. It is
	// authoritative even when the local balance guard passed, since two
	// orders can race on the same funds.
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")
)

// StatusError is an HTTP-level failure that carries no recognized
// exchange error code.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange: unexpected HTTP status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether an error is transient: network timeouts,
// rate limiting, and server-side HTTP failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == 429 || se.Status >= 500
	}
	return false
}

// IsFatal reports whether an error can never succeed on retry or on a
// later tick: bad credentials or a permanently invalid symbol.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidSymbol)
}
