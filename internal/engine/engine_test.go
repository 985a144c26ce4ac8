// Package engine
package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
	"github.com/Tedyzetaa/r2-trader/internal/db"
	"github.com/Tedyzetaa/r2-trader/internal/exchange"
	"github.com/Tedyzetaa/r2-trader/internal/executor"
	"github.com/Tedyzetaa/r2-trader/internal/guard"
	"github.com/Tedyzetaa/r2-trader/internal/ledger"
	"github.com/Tedyzetaa/r2-trader/internal/strategy"
)

func candleSeries(symbol string, closes ...float64) []candle.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		}
	}
	return out
}

type testRig struct {
	mock  *exchange.MockExchange
	store *db.MemoryStorage
	eng   *Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mock := exchange.NewMockExchange()
	store := db.NewMemory()
	led := ledger.New(store, 0)
	exec := executor.New(mock, guard.New(0), led, executor.Config{
		RequestTimeout: time.Second,
		MaxRetries:     0,
		RetryDelay:     time.Millisecond,
	})
	eng := New(mock, exec, led, store, nil, Config{
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: time.Second,
		KlineLimit:     100,
		FailureBudget:  2,
	})
	t.Cleanup(eng.Close)
	return &testRig{mock: mock, store: store, eng: eng}
}

func smaSession(symbol string) SessionConfig {
	return SessionConfig{
		Symbol:   symbol,
		Quantity: 1,
		Interval: "1m",
		Strategy: strategy.Config{
			Name:         "sma-crossover",
			ShortPeriod:  2,
			LongPeriod:   3,
			PollInterval: 5 * time.Millisecond,
		},
	}
}

func TestEngine_DuplicateSession(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))
	err := rig.eng.StartSession(smaSession("BTCUSDT"))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestEngine_IndependentStrategiesOnSameSymbol(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))

	rsiCfg := SessionConfig{
		Symbol:   "BTCUSDT",
		Quantity: 1,
		Strategy: strategy.Config{Name: "rsi", PollInterval: time.Hour},
	}
	require.NoError(t, rig.eng.StartSession(rsiCfg))

	assert.Len(t, rig.eng.Sessions("", ""), 2)
}

func TestEngine_SessionsFilter(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))
	require.NoError(t, rig.eng.StartSession(smaSession("ETHUSDT")))
	require.NoError(t, rig.eng.StartSession(SessionConfig{
		Symbol:   "BTCUSDT",
		Quantity: 1,
		Strategy: strategy.Config{Name: "rsi", PollInterval: time.Hour},
	}))

	assert.Len(t, rig.eng.Sessions("", ""), 3)
	assert.Len(t, rig.eng.Sessions("BTCUSDT", ""), 2, "pair-only filter spans strategies")
	assert.Len(t, rig.eng.Sessions("btcusdt", ""), 2, "symbol match ignores case")
	assert.Len(t, rig.eng.Sessions("", "sma-crossover"), 2, "strategy-only filter spans pairs")

	both := rig.eng.Sessions("BTCUSDT", "rsi")
	require.Len(t, both, 1)
	assert.Equal(t, "BTCUSDT", both[0].Symbol)
	assert.Equal(t, "rsi", both[0].StrategyName)

	assert.Empty(t, rig.eng.Sessions("SOLUSDT", ""))
}

func TestEngine_StartSessionValidation(t *testing.T) {
	rig := newTestRig(t)

	err := rig.eng.StartSession(SessionConfig{
		Symbol:   "BTCUSDT",
		Quantity: 1,
		Strategy: strategy.Config{Name: "bollinger"},
	})
	assert.Error(t, err)

	cfg := smaSession("BTCUSDT")
	cfg.Quantity = 0
	assert.Error(t, rig.eng.StartSession(cfg))
}

func TestEngine_SignalDrivesOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.SetBalance("USDT", 1000)
	// Downtrend first so the crossover state primes negative.
	rig.mock.SetKlines("BTCUSDT", candleSeries("BTCUSDT", 11, 10, 9, 8))

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))

	require.Eventually(t, func() bool {
		st, err := rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
		return err == nil && st.State == StateRunning
	}, 2*time.Second, 5*time.Millisecond, "session should finish warmup")

	// Rally: the short SMA crosses above the long SMA.
	rig.mock.SetKlines("BTCUSDT", candleSeries("BTCUSDT", 9, 8, 9, 12))

	require.Eventually(t, func() bool {
		orders, err := rig.store.GetOrders(context.Background(), "BTCUSDT")
		if err != nil {
			return false
		}
		for _, o := range orders {
			if o.Status == "FILLED" && o.Side == "BUY" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "the crossover should produce a filled BUY")

	// The fill opened a position.
	require.Eventually(t, func() bool {
		pos, err := rig.store.GetOpenPosition(context.Background(), "BTCUSDT", "sma-crossover")
		return err == nil && pos != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_BuyGatedOnOpenPosition(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.SetBalance("USDT", 1000)
	rig.mock.SetKlines("BTCUSDT", candleSeries("BTCUSDT", 11, 10, 9, 8))

	// Pre-open a position for this strategy; BUY signals must be ignored.
	_, err := rig.store.OpenPosition(context.Background(), db.Position{
		Symbol: "BTCUSDT", StrategyName: "sma-crossover", Side: "BUY", Quantity: 1, EntryPrice: 8,
	})
	require.NoError(t, err)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))
	require.Eventually(t, func() bool {
		st, err := rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
		return err == nil && st.State == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	rig.mock.SetKlines("BTCUSDT", candleSeries("BTCUSDT", 9, 8, 9, 12))

	// Give the session time to see the crossover, then confirm no order
	// reached the exchange.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rig.mock.Requests())
}

func TestEngine_FailureBudgetMovesSessionToError(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.FailKlines(-1, exchange.ErrRateLimited)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))

	require.Eventually(t, func() bool {
		st, err := rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
		return err == nil && st.State == StateError
	}, 2*time.Second, 5*time.Millisecond)

	// The supervisor persists the terminal state.
	require.Eventually(t, func() bool {
		sessions, err := rig.store.GetSessions(context.Background())
		if err != nil {
			return false
		}
		for _, s := range sessions {
			if s.Symbol == "BTCUSDT" && s.State == string(StateError) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_PauseResumeStop(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))

	require.NoError(t, rig.eng.Pause("BTCUSDT", "sma-crossover"))
	st, err := rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)

	assert.Error(t, rig.eng.Pause("BTCUSDT", "sma-crossover"), "pausing a paused session fails")

	require.NoError(t, rig.eng.Resume("BTCUSDT", "sma-crossover"))
	st, err = rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	assert.Error(t, rig.eng.Resume("BTCUSDT", "sma-crossover"), "resuming a running session fails")

	require.NoError(t, rig.eng.Stop("BTCUSDT", "sma-crossover"))
	require.Eventually(t, func() bool {
		st, err := rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
		return err == nil && st.State == StateStopped
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_UnknownSessionOperations(t *testing.T) {
	rig := newTestRig(t)

	assert.ErrorIs(t, rig.eng.Pause("BTCUSDT", "rsi"), ErrSessionNotFound)
	assert.ErrorIs(t, rig.eng.Resume("BTCUSDT", "rsi"), ErrSessionNotFound)
	assert.ErrorIs(t, rig.eng.Stop("BTCUSDT", "rsi"), ErrSessionNotFound)
	_, err := rig.eng.Status(context.Background(), "BTCUSDT", "rsi", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEngine_Restore(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.SaveSession(ctx, db.Session{Symbol: "BTCUSDT", StrategyName: "sma-crossover", State: string(StateRunning)}))
	require.NoError(t, rig.store.SaveSession(ctx, db.Session{Symbol: "ETHUSDT", StrategyName: "rsi", State: string(StateStopped)}))
	require.NoError(t, rig.store.SaveSession(ctx, db.Session{Symbol: "SOLUSDT", StrategyName: "rsi", State: string(StateRunning)}))

	// Only BTCUSDT has a matching config; SOLUSDT is skipped, ETHUSDT was
	// stopped deliberately.
	require.NoError(t, rig.eng.Restore(ctx, []SessionConfig{smaSession("BTCUSDT")}))

	sessions := rig.eng.Sessions("", "")
	require.Len(t, sessions, 1)
	assert.Equal(t, "BTCUSDT", sessions[0].Symbol)
}

func TestEngine_RestorePausedComesBackPaused(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.SaveSession(ctx, db.Session{Symbol: "BTCUSDT", StrategyName: "sma-crossover", State: string(StatePaused)}))
	require.NoError(t, rig.eng.Restore(ctx, []SessionConfig{smaSession("BTCUSDT")}))

	st, err := rig.eng.Status(ctx, "BTCUSDT", "sma-crossover", 0)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)
}

func TestEngine_StopAll(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))
	require.NoError(t, rig.eng.StartSession(smaSession("ETHUSDT")))

	rig.eng.StopAll()

	for _, st := range rig.eng.Sessions("", "") {
		assert.Equal(t, StateStopped, st.State)
	}
}

func TestEngine_ErroredSessionCanBeRestarted(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.FailKlines(-1, errors.New("exchange down"))

	require.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))
	require.Eventually(t, func() bool {
		st, err := rig.eng.Status(context.Background(), "BTCUSDT", "sma-crossover", 0)
		return err == nil && st.State == StateError
	}, 2*time.Second, 5*time.Millisecond)

	rig.mock.FailKlines(0, nil)
	assert.NoError(t, rig.eng.StartSession(smaSession("BTCUSDT")))
}
