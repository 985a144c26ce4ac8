// Package engine runs trading sessions. Each session pairs one symbol
// with one strategy and polls the market on its own goroutine; the engine
// supervises them, persists their state, and fans lifecycle transitions
// out to the journal and the notifier.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/db"
	"github.com/Tedyzetaa/r2-trader/internal/exchange"
	"github.com/Tedyzetaa/r2-trader/internal/executor"
	"github.com/Tedyzetaa/r2-trader/internal/ledger"
	"github.com/Tedyzetaa/r2-trader/internal/notifier"
	"github.com/Tedyzetaa/r2-trader/internal/strategy"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StatePaused       State = "PAUSED"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

var (
	ErrDuplicateSession = errors.New("engine: session already exists")
	ErrSessionNotFound  = errors.New("engine: session not found")
)

// SessionConfig describes one session to run.
type SessionConfig struct {
	Symbol   string
	Strategy strategy.Config
	Interval string
	Quantity float64
}

// Config tunes the engine and applies to every session it starts.
type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	KlineLimit     int
	FailureBudget  int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = time.Minute
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.KlineLimit <= 0 {
		out.KlineLimit = 100
	}
	if out.FailureBudget <= 0 {
		out.FailureBudget = 5
	}
	return out
}

// Status is a point-in-time snapshot of one session.
type Status struct {
	Symbol       string       `json:"symbol"`
	StrategyName string       `json:"strategy_name"`
	State        State        `json:"state"`
	LastError    string       `json:"last_error,omitempty"`
	Failures     int          `json:"failures"`
	LastTick     time.Time    `json:"last_tick"`
	OpenPosition *db.Position `json:"open_position,omitempty"`
	RecentTrades []db.Trade   `json:"recent_trades,omitempty"`
}

type transition struct {
	symbol       string
	strategyName string
	state        State
	reason       string
}

type Engine struct {
	exch  exchange.Exchange
	exec  *executor.Executor
	led   *ledger.Ledger
	store db.Storage
	notif notifier.Notifier
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*session

	transitions chan transition
	supervisorC context.CancelFunc
	supervisorW sync.WaitGroup
	wg          sync.WaitGroup
}

func New(exch exchange.Exchange, exec *executor.Executor, led *ledger.Ledger, store db.Storage, notif notifier.Notifier, cfg Config) *Engine {
	if notif == nil {
		notif = notifier.Noop{}
	}
	e := &Engine{
		exch:        exch,
		exec:        exec,
		led:         led,
		store:       store,
		notif:       notif,
		cfg:         cfg.withDefaults(),
		sessions:    make(map[string]*session),
		transitions: make(chan transition, 64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.supervisorC = cancel
	e.supervisorW.Add(1)
	go e.supervise(ctx)
	return e
}

func sessionKey(symbol, strategyName string) string {
	return strings.ToUpper(symbol) + "|" + strategyName
}

// supervise drains session transitions, persisting each one and alerting
// on ERROR. It is the only writer of session rows, so persisted state
// never interleaves.
func (e *Engine) supervise(ctx context.Context) {
	defer e.supervisorW.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-e.transitions:
			e.persistTransition(tr)
		}
	}
}

func (e *Engine) persistTransition(tr transition) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	if err := e.store.SaveSession(ctx, db.Session{
		Symbol:       tr.symbol,
		StrategyName: tr.strategyName,
		State:        string(tr.state),
		LastError:    tr.reason,
	}); err != nil {
		logger.L().Errorf("engine | [%s %s] failed to persist state %s: %v", tr.symbol, tr.strategyName, tr.state, err)
	}
	if err := e.store.LogEvent(ctx, db.Event{
		Type:        "session_" + strings.ToLower(string(tr.state)),
		Description: fmt.Sprintf("%s/%s -> %s", tr.symbol, tr.strategyName, tr.state),
		Data:        map[string]string{"symbol": tr.symbol, "strategy": tr.strategyName, "reason": tr.reason},
	}); err != nil {
		logger.L().Errorf("engine | [%s %s] failed to journal transition: %v", tr.symbol, tr.strategyName, err)
	}
	if tr.state == StateError {
		if err := e.notif.SendWithRetry(fmt.Sprintf("session %s/%s entered ERROR: %s", tr.symbol, tr.strategyName, tr.reason)); err != nil {
			logger.L().Errorf("engine | [%s %s] failed to notify: %v", tr.symbol, tr.strategyName, err)
		}
	}
}

// StartSession creates and launches a session. Starting a second session
// for the same symbol and strategy fails; distinct strategies on the
// same symbol run independently.
func (e *Engine) StartSession(cfg SessionConfig) error {
	strat, err := strategy.New(cfg.Symbol, cfg.Strategy)
	if err != nil {
		return fmt.Errorf("engine: build strategy: %w", err)
	}
	if cfg.Quantity <= 0 {
		return fmt.Errorf("engine: non-positive quantity %f for %s", cfg.Quantity, cfg.Symbol)
	}
	interval := cfg.Interval
	if interval == "" {
		interval = "1m"
	}
	pollInterval := cfg.Strategy.PollInterval
	if pollInterval <= 0 {
		pollInterval = e.cfg.PollInterval
	}

	key := sessionKey(cfg.Symbol, strat.Name())

	e.mu.Lock()
	if existing, ok := e.sessions[key]; ok && existing.currentState() != StateStopped && existing.currentState() != StateError {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrDuplicateSession, cfg.Symbol, strat.Name())
	}
	s := newSession(e, cfg.Symbol, strat, interval, cfg.Quantity, pollInterval)
	e.sessions[key] = s
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run()
	}()
	logger.L().Infof("engine | [%s %s] session started", cfg.Symbol, strat.Name())
	return nil
}

func (e *Engine) lookup(symbol, strategyName string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionKey(symbol, strategyName)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, symbol, strategyName)
	}
	return s, nil
}

// Pause suspends evaluation for a session; polling stops but the session
// keeps its window and can resume where it left off.
func (e *Engine) Pause(symbol, strategyName string) error {
	s, err := e.lookup(symbol, strategyName)
	if err != nil {
		return err
	}
	return s.pause()
}

// Resume continues a paused session.
func (e *Engine) Resume(symbol, strategyName string) error {
	s, err := e.lookup(symbol, strategyName)
	if err != nil {
		return err
	}
	return s.resume()
}

// Stop cancels a session. An order submission already in flight completes
// and is recorded before the session goroutine exits.
func (e *Engine) Stop(symbol, strategyName string) error {
	s, err := e.lookup(symbol, strategyName)
	if err != nil {
		return err
	}
	s.stop()
	return nil
}

// StopAll stops every session and waits for their goroutines to drain.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for _, s := range e.sessions {
		s.stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Close stops all sessions and shuts the supervisor down after the last
// transition is persisted.
func (e *Engine) Close() {
	e.StopAll()
	// Drain whatever the sessions queued before the supervisor goes away.
	for {
		select {
		case tr := <-e.transitions:
			e.persistTransition(tr)
			continue
		default:
		}
		break
	}
	e.supervisorC()
	e.supervisorW.Wait()
}

// Status reports a session snapshot together with its open position and
// the most recent trades.
func (e *Engine) Status(ctx context.Context, symbol, strategyName string, recentTrades int) (Status, error) {
	s, err := e.lookup(symbol, strategyName)
	if err != nil {
		return Status{}, err
	}
	st := s.snapshot()

	if pos, err := e.led.OpenPosition(ctx, symbol, strategyName); err == nil {
		st.OpenPosition = pos
	}
	if recentTrades > 0 {
		trades, err := e.led.History(ctx, db.TradeFilter{Symbol: symbol, StrategyName: strategyName, Limit: recentTrades})
		if err == nil {
			st.RecentTrades = trades
		}
	}
	return st, nil
}

// Sessions snapshots the known sessions, optionally narrowed by symbol
// and strategy name. Empty arguments match everything, so a caller can
// ask for one pair across all strategies or the whole board.
func (e *Engine) Sessions(symbol, strategyName string) []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.sessions))
	for _, s := range e.sessions {
		if symbol != "" && !strings.EqualFold(s.symbol, symbol) {
			continue
		}
		if strategyName != "" && s.strat.Name() != strategyName {
			continue
		}
		out = append(out, s.snapshot())
	}
	return out
}

// ExportTrades writes trade history as CSV.
func (e *Engine) ExportTrades(ctx context.Context, w io.Writer, f db.TradeFilter) error {
	return e.led.ExportCSV(ctx, w, f)
}

// Restore restarts sessions that were RUNNING or PAUSED when the process
// last exited, matching persisted rows against the configured sessions.
// Restored PAUSED sessions come back paused.
func (e *Engine) Restore(ctx context.Context, configs []SessionConfig) error {
	persisted, err := e.store.GetSessions(ctx)
	if err != nil {
		return fmt.Errorf("engine: load sessions: %w", err)
	}

	byKey := make(map[string]SessionConfig, len(configs))
	for _, cfg := range configs {
		byKey[sessionKey(cfg.Symbol, cfg.Strategy.Name)] = cfg
	}

	for _, row := range persisted {
		state := State(row.State)
		if state != StateRunning && state != StatePaused && state != StateInitializing {
			continue
		}
		cfg, ok := byKey[sessionKey(row.Symbol, row.StrategyName)]
		if !ok {
			logger.L().Warnf("engine | [%s %s] persisted session has no config, skipping restore", row.Symbol, row.StrategyName)
			continue
		}
		if err := e.StartSession(cfg); err != nil {
			if errors.Is(err, ErrDuplicateSession) {
				continue
			}
			return fmt.Errorf("engine: restore %s/%s: %w", row.Symbol, row.StrategyName, err)
		}
		if state == StatePaused {
			if err := e.Pause(row.Symbol, row.StrategyName); err != nil {
				logger.L().Warnf("engine | [%s %s] failed to re-pause restored session: %v", row.Symbol, row.StrategyName, err)
			}
		}
		logger.L().Infof("engine | [%s %s] session restored (was %s)", row.Symbol, row.StrategyName, row.State)
	}
	return nil
}
