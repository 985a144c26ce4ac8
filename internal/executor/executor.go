// Package executor turns strategy signals into exchange orders. It owns
// the balance check, the retry loop, and the per-pair serialization that
// keeps two sessions from spending the same funds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tedyzetaa/r2-trader/internal/db"
	"github.com/Tedyzetaa/r2-trader/internal/exchange"
	"github.com/Tedyzetaa/r2-trader/internal/guard"
	"github.com/Tedyzetaa/r2-trader/internal/ledger"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

// ErrRejected wraps guard denials so callers can tell a rejection from a
// transport failure.
var ErrRejected = errors.New("executor: order rejected")

const maxRetryDelay = 5 * time.Minute

// Request is one order to place on behalf of a strategy.
type Request struct {
	Symbol       string
	Side         string
	Quantity     float64
	RefPrice     float64
	StrategyName string
	Reason       string
}

// Config tunes the submission loop.
type Config struct {
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 2 * time.Second
	}
	return out
}

type Executor struct {
	exch   exchange.Exchange
	guard  *guard.Guard
	ledger *ledger.Ledger
	cfg    Config

	mu        sync.Mutex
	pairLocks map[string]*sync.Mutex
}

func New(exch exchange.Exchange, g *guard.Guard, led *ledger.Ledger, cfg Config) *Executor {
	return &Executor{
		exch:      exch,
		guard:     g,
		ledger:    led,
		cfg:       cfg.withDefaults(),
		pairLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Executor) pairLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pairLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.pairLocks[symbol] = l
	}
	return l
}

// Execute places a market order for the request. The balance snapshot is
// taken inside the per-pair lock so no other order for the same pair can
// be authorized against the same funds. A submission that is already in
// flight when ctx is cancelled runs to completion; new attempts do not
// start.
func (e *Executor) Execute(ctx context.Context, req Request) (db.Order, error) {
	base, quote, err := guard.SplitSymbol(req.Symbol)
	if err != nil {
		return db.Order{}, err
	}

	lock := e.pairLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	order := db.Order{
		ClientID:     uuid.NewString(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		StrategyName: req.StrategyName,
		Reason:       req.Reason,
		CreatedAt:    time.Now().UTC(),
	}

	baseBal, quoteBal, err := e.snapshotBalances(ctx, base, quote)
	if err != nil {
		order.Status = "FAILED"
		order.UpdatedAt = time.Now().UTC()
		if _, recErr := e.ledger.RecordOrder(ctx, order); recErr != nil {
			logger.L().Errorf("executor | [%s] failed to record order %s: %v", req.Symbol, order.ClientID, recErr)
		}
		return order, fmt.Errorf("executor: balance snapshot: %w", err)
	}

	if err := e.guard.Authorize(exchange.OrderRequest{Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity}, baseBal, quoteBal, req.RefPrice); err != nil {
		order.Status = "REJECTED"
		order.Reason = err.Error()
		order.UpdatedAt = time.Now().UTC()
		if _, recErr := e.ledger.RecordOrder(ctx, order); recErr != nil {
			logger.L().Errorf("executor | [%s] failed to record rejection %s: %v", req.Symbol, order.ClientID, recErr)
		}
		logger.L().Warnf("executor | [%s %s] rejected %s order: %v", req.Symbol, req.StrategyName, req.Side, err)
		return order, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	order.Status = "SUBMITTED"
	order.UpdatedAt = time.Now().UTC()
	if _, err := e.ledger.RecordOrder(ctx, order); err != nil {
		return order, fmt.Errorf("executor: record submission: %w", err)
	}

	filled, err := e.submitWithRetry(ctx, exchange.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		ClientID: order.ClientID,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			order.Status = "REJECTED"
		} else {
			order.Status = "FAILED"
		}
		order.Reason = err.Error()
		order.UpdatedAt = time.Now().UTC()
		if _, recErr := e.ledger.RecordOrder(context.WithoutCancel(ctx), order); recErr != nil {
			logger.L().Errorf("executor | [%s] failed to record failure %s: %v", req.Symbol, order.ClientID, recErr)
		}
		return order, err
	}

	order.ExchangeOrderID = filled.ExchangeOrderID
	order.FilledQty = filled.FilledQty
	order.FillPrice = filled.FillPrice
	order.Status = "FILLED"
	order.UpdatedAt = filled.Timestamp
	trade, err := e.ledger.RecordOrder(context.WithoutCancel(ctx), order)
	if err != nil {
		return order, fmt.Errorf("executor: record fill: %w", err)
	}
	if trade != nil {
		logger.L().Infof("executor | [%s %s] round trip complete pnl=%f", req.Symbol, req.StrategyName, trade.PnL)
	}
	return order, nil
}

func (e *Executor) snapshotBalances(ctx context.Context, base, quote string) (exchange.Balance, exchange.Balance, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	baseBal, err := e.exch.GetBalance(cctx, base)
	if err != nil {
		return exchange.Balance{}, exchange.Balance{}, err
	}
	quoteBal, err := e.exch.GetBalance(cctx, quote)
	if err != nil {
		return exchange.Balance{}, exchange.Balance{}, err
	}
	return baseBal, quoteBal, nil
}

// submitWithRetry sends the order, retrying retryable failures with
// exponential backoff. The client ID stays the same across attempts so
// the exchange can deduplicate. Each attempt runs on a detached context
// with its own timeout; ctx cancellation stops further attempts but never
// aborts one in flight.
func (e *Executor) submitWithRetry(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	delay := e.cfg.RetryDelay
	detached := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.L().Warnf("executor | [%s] retrying %s order %s (attempt %d/%d) after %v: %v",
				req.Symbol, req.Side, req.ClientID, attempt, e.cfg.MaxRetries, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return exchange.Order{}, fmt.Errorf("executor: submission abandoned: %w", ctx.Err())
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		actx, cancel := context.WithTimeout(detached, e.cfg.RequestTimeout)
		order, err := e.exch.CreateMarketOrder(actx, req)
		cancel()
		if err == nil {
			return order, nil
		}
		lastErr = err
		if exchange.IsFatal(err) || !exchange.IsRetryable(err) {
			return exchange.Order{}, err
		}
	}
	return exchange.Order{}, fmt.Errorf("executor: %d attempts exhausted: %w", e.cfg.MaxRetries+1, lastErr)
}
