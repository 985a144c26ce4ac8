package exchange

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
)

// RateLimited wraps an Exchange with a shared token bucket so that all
// sessions together respect the exchange's request budget. Every outbound
// call waits for a token; the wait honors the caller's context, so a
// stopped session never blocks on admission.
type RateLimited struct {
	inner   Exchange
	limiter *rate.Limiter
}

// NewRateLimited wraps an exchange client with a token bucket admitting
// rps requests per second with the given burst.
func NewRateLimited(inner Exchange, rps float64, burst int) *RateLimited {
	if rps <= 0 {
		rps = 10
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]candle.Candle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetKlines(ctx, symbol, interval, limit)
}

func (r *RateLimited) GetBalance(ctx context.Context, asset string) (Balance, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Balance{}, err
	}
	return r.inner.GetBalance(ctx, asset)
}

func (r *RateLimited) CreateMarketOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Order{}, err
	}
	return r.inner.CreateMarketOrder(ctx, req)
}
