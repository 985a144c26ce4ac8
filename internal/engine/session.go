package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
	"github.com/Tedyzetaa/r2-trader/internal/executor"
	"github.com/Tedyzetaa/r2-trader/internal/strategy"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

// session is one symbol+strategy polling loop. All mutable fields below
// mu are touched by the run goroutine and by engine control calls.
type session struct {
	eng          *Engine
	symbol       string
	strat        strategy.Strategy
	interval     string
	quantity     float64
	pollInterval time.Duration

	window *candle.Window
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	failures int
	lastErr  string
	lastTick time.Time
}

func newSession(e *Engine, symbol string, strat strategy.Strategy, interval string, quantity float64, pollInterval time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		eng:          e,
		symbol:       symbol,
		strat:        strat,
		interval:     interval,
		quantity:     quantity,
		pollInterval: pollInterval,
		window:       candle.NewWindow(e.cfg.KlineLimit),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateInitializing,
	}
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Symbol:       s.symbol,
		StrategyName: s.strat.Name(),
		State:        s.state,
		LastError:    s.lastErr,
		Failures:     s.failures,
		LastTick:     s.lastTick,
	}
}

// transition moves the session to a new state and queues it for the
// supervisor. The buffered channel keeps session goroutines from blocking
// on persistence; a full queue drops the persist, never the state change.
func (s *session) transition(state State, reason string) {
	s.mu.Lock()
	s.state = state
	if state == StateError {
		s.lastErr = reason
	}
	s.mu.Unlock()

	select {
	case s.eng.transitions <- transition{symbol: s.symbol, strategyName: s.strat.Name(), state: state, reason: reason}:
	default:
		logger.L().Warnf("engine | [%s %s] transition queue full, %s not persisted", s.symbol, s.strat.Name(), state)
	}
}

// pause suspends a running session. INITIALIZING may pause too: a
// restored paused session must come back paused without first completing
// a warmup tick.
func (s *session) pause() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning && state != StateInitializing {
		return fmt.Errorf("engine: cannot pause session in state %s", state)
	}
	s.transition(StatePaused, "paused by operator")
	return nil
}

func (s *session) resume() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StatePaused {
		return fmt.Errorf("engine: cannot resume session in state %s", state)
	}
	s.transition(StateRunning, "resumed by operator")
	return nil
}

func (s *session) stop() { s.cancel() }

// run polls the market until stopped or the failure budget runs out. The
// first tick fires immediately so a session does not idle a full poll
// interval before warming up.
func (s *session) run() {
	s.transition(StateInitializing, "session starting")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			state := s.state
			s.mu.Unlock()
			if state != StateError {
				s.transition(StateStopped, "session stopped")
			}
			return
		case <-ticker.C:
			if s.currentState() == StatePaused {
				continue
			}
			s.tick()
		}
	}
}

func (s *session) tick() {
	if s.ctx.Err() != nil || s.currentState() == StatePaused {
		return
	}
	s.mu.Lock()
	s.lastTick = time.Now().UTC()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.eng.cfg.RequestTimeout)
	candles, err := s.eng.exch.GetKlines(ctx, s.symbol, s.interval, s.eng.cfg.KlineLimit)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.failure(fmt.Errorf("fetch klines: %w", err))
		return
	}
	s.window.Replace(candles)

	if s.window.Len() < s.strat.WarmupPeriod() {
		logger.L().Debugf("engine | [%s %s] warming up: %d/%d candles", s.symbol, s.strat.Name(), s.window.Len(), s.strat.WarmupPeriod())
		return
	}
	if s.currentState() == StateInitializing {
		s.transition(StateRunning, "warmup complete")
	}

	sig, err := s.strat.Evaluate(s.window.Candles())
	if err != nil {
		s.failure(fmt.Errorf("evaluate: %w", err))
		return
	}
	s.recovered()

	if sig.Action == strategy.Hold {
		return
	}
	s.act(sig)
}

// act gates a non-hold signal on position state and hands it to the
// executor: one open position per session, entries only when flat, exits
// only when not.
func (s *session) act(sig strategy.Signal) {
	ctx, cancel := context.WithTimeout(s.ctx, s.eng.cfg.RequestTimeout)
	pos, err := s.eng.led.OpenPosition(ctx, s.symbol, s.strat.Name())
	cancel()
	if err != nil {
		s.failure(fmt.Errorf("lookup position: %w", err))
		return
	}
	switch sig.Action {
	case strategy.Buy:
		if pos != nil {
			logger.L().Infof("engine | [%s %s] BUY signal ignored, position already open", s.symbol, s.strat.Name())
			return
		}
	case strategy.Sell:
		if pos == nil {
			logger.L().Infof("engine | [%s %s] SELL signal ignored, no open position", s.symbol, s.strat.Name())
			return
		}
	}

	_, err = s.eng.exec.Execute(s.ctx, executor.Request{
		Symbol:       s.symbol,
		Side:         string(sig.Action),
		Quantity:     s.quantity,
		RefPrice:     sig.TriggerPrice,
		StrategyName: s.strat.Name(),
		Reason:       sig.Reason,
	})
	if err != nil {
		if errors.Is(err, executor.ErrRejected) {
			// Guard said no; the account cannot cover the order. Not a
			// session fault, so it does not burn failure budget.
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.failure(fmt.Errorf("execute %s: %w", sig.Action, err))
		return
	}
	s.recovered()
}

func (s *session) recovered() {
	s.mu.Lock()
	s.failures = 0
	s.lastErr = ""
	s.mu.Unlock()
}

// failure counts consecutive errors against the budget; exhausting it
// moves the session to ERROR and stops the loop. Operator intervention
// (a fresh StartSession) is the only way back.
func (s *session) failure(err error) {
	s.mu.Lock()
	s.failures++
	s.lastErr = err.Error()
	failures := s.failures
	s.mu.Unlock()

	logger.L().Errorf("engine | [%s %s] tick failed (%d/%d): %v", s.symbol, s.strat.Name(), failures, s.eng.cfg.FailureBudget, err)
	if failures >= s.eng.cfg.FailureBudget {
		s.transition(StateError, fmt.Sprintf("failure budget exhausted: %v", err))
		s.cancel()
	}
}
