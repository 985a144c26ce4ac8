// Package exchange
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
)

// MockExchange provides canned market data and immediate fills. It backs
// the test suites and the dry-run mode: orders never leave the process,
// but balances are debited and credited as if they did, so balance races
// behave like the real exchange.
type MockExchange struct {
	mu sync.Mutex

	klines   map[string][]candle.Candle
	balances map[string]Balance

	// Failure injection. A positive countdown fails that many calls with
	// the paired error before succeeding again; -1 fails forever.
	klinesErr      error
	klinesFailures int
	orderErr       error
	orderFailures  int

	submitDelay  time.Duration
	orderCounter int64
	requests     []OrderRequest

	inFlight    int
	maxInFlight int
}

// NewMockExchange creates a mock with empty books and balances.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		klines:   make(map[string][]candle.Candle),
		balances: make(map[string]Balance),
	}
}

func (m *MockExchange) Name() string { return "mock" }

// SetKlines replaces the canned candle series for a symbol.
func (m *MockExchange) SetKlines(symbol string, candles []candle.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol] = candles
}

// SetBalance sets the free funds for an asset.
func (m *MockExchange) SetBalance(asset string, free float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = Balance{Asset: asset, Free: free}
}

// FailKlines makes the next n GetKlines calls return err; n = -1 fails
// every call.
func (m *MockExchange) FailKlines(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klinesFailures = n
	m.klinesErr = err
}

// FailOrders makes the next n CreateMarketOrder calls return err; n = -1
// fails every call.
func (m *MockExchange) FailOrders(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderFailures = n
	m.orderErr = err
}

// SetSubmitDelay makes order submissions take at least d, widening race
// windows in concurrency tests.
func (m *MockExchange) SetSubmitDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitDelay = d
}

// Requests returns every order request received, including failed ones.
func (m *MockExchange) Requests() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MaxInFlight reports the highest number of concurrently executing order
// submissions observed.
func (m *MockExchange) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.klinesFailures != 0 && m.klinesErr != nil {
		if m.klinesFailures > 0 {
			m.klinesFailures--
		}
		return nil, m.klinesErr
	}
	candles := m.klines[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]candle.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockExchange) GetBalance(ctx context.Context, asset string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[asset]; ok {
		return b, nil
	}
	return Balance{Asset: asset}, nil
}

// CreateMarketOrder fills immediately at the last close for the symbol and
// moves the corresponding balances, rejecting when funds run short the
// same way the real exchange would.
func (m *MockExchange) CreateMarketOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.submitDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer func() {
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.orderFailures != 0 && m.orderErr != nil {
		if m.orderFailures > 0 {
			m.orderFailures--
		}
		return Order{}, m.orderErr
	}

	series := m.klines[req.Symbol]
	if len(series) == 0 {
		return Order{}, fmt.Errorf("mock: no market data for %s: %w", req.Symbol, ErrInvalidSymbol)
	}
	price := series[len(series)-1].Close

	base, quote, err := splitMockSymbol(req.Symbol)
	if err != nil {
		return Order{}, err
	}

	baseBal := m.balances[base]
	quoteBal := m.balances[quote]
	cost := price * req.Quantity

	switch req.Side {
	case "BUY":
		if quoteBal.Free < cost {
			return Order{}, fmt.Errorf("mock: need %.8f %s, have %.8f: %w", cost, quote, quoteBal.Free, ErrInsufficientBalance)
		}
		quoteBal.Free -= cost
		baseBal.Free += req.Quantity
	case "SELL":
		if baseBal.Free < req.Quantity {
			return Order{}, fmt.Errorf("mock: need %.8f %s, have %.8f: %w", req.Quantity, base, baseBal.Free, ErrInsufficientBalance)
		}
		baseBal.Free -= req.Quantity
		quoteBal.Free += cost
	default:
		return Order{}, fmt.Errorf("mock: unknown side %q", req.Side)
	}
	baseBal.Asset, quoteBal.Asset = base, quote
	m.balances[base] = baseBal
	m.balances[quote] = quoteBal

	m.orderCounter++
	return Order{
		ExchangeOrderID: fmt.Sprintf("mock-%d", m.orderCounter),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		FilledQty:       req.Quantity,
		FillPrice:       price,
		Status:          "FILLED",
		Timestamp:       time.Now().UTC(),
	}, nil
}

// splitMockSymbol mirrors the guard's suffix split for the few quote
// assets the mock cares about.
func splitMockSymbol(symbol string) (base, quote string, err error) {
	for _, q := range []string{"USDT", "USDC", "BTC", "ETH", "TMN"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("mock: cannot split symbol %q: %w", symbol, ErrInvalidSymbol)
}
