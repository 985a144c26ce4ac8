// Package guard authorizes orders against account balances before they
// reach the exchange. It never mutates balances; callers pass a fresh
// snapshot and the guard answers yes or no.
package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tedyzetaa/r2-trader/internal/exchange"
)

var (
	ErrInsufficientQuoteBalance = errors.New("guard: insufficient quote balance")
	ErrInsufficientBaseBalance  = errors.New("guard: insufficient base balance")
	ErrSymbolNotTradable        = errors.New("guard: symbol not tradable")
)

// quoteAssets holds the known quote suffixes, longest first so USDT wins
// over the hypothetical "T".
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TMN", "BTC", "ETH"}

// SplitSymbol breaks a concatenated pair like BTCUSDT into base and quote
// assets by matching the quote suffix.
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q has no known quote asset", ErrSymbolNotTradable, symbol)
}

// Guard checks spending power for a single order. MinOrderSize is kept as
// headroom in quote currency on buys so fees and price drift between the
// snapshot and the fill cannot overdraw the account.
type Guard struct {
	MinOrderSize float64
}

func New(minOrderSize float64) *Guard {
	if minOrderSize < 0 {
		minOrderSize = 0
	}
	return &Guard{MinOrderSize: minOrderSize}
}

// Authorize decides whether the order may be submitted given the balance
// snapshot and a reference price for the symbol. Buys must be covered by
// free quote funds plus the configured headroom; sells must be covered by
// free base funds. Locked funds never count.
func (g *Guard) Authorize(req exchange.OrderRequest, base, quote exchange.Balance, refPrice float64) error {
	if req.Quantity <= 0 {
		return fmt.Errorf("guard: non-positive quantity %f for %s", req.Quantity, req.Symbol)
	}
	if refPrice <= 0 {
		return fmt.Errorf("guard: non-positive reference price %f for %s", refPrice, req.Symbol)
	}

	switch req.Side {
	case "BUY":
		need := req.Quantity*refPrice + g.MinOrderSize
		if quote.Free < need {
			return fmt.Errorf("%w: need %.8f %s, free %.8f", ErrInsufficientQuoteBalance, need, quote.Asset, quote.Free)
		}
	case "SELL":
		if base.Free < req.Quantity {
			return fmt.Errorf("%w: need %.8f %s, free %.8f", ErrInsufficientBaseBalance, req.Quantity, base.Asset, base.Free)
		}
	default:
		return fmt.Errorf("guard: unknown side %q", req.Side)
	}
	return nil
}
