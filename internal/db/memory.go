package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps everything in maps. It backs tests and dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by client ID
	orders map[string]Order

	// Positions by ID and auto-increment counter
	positions      map[int64]Position
	nextPositionID int64

	// Trades (append-only) and auto-increment counter
	trades      []Trade
	nextTradeID int64

	// Sessions keyed by symbol|strategy
	sessions map[string]Session

	// Events (append-only)
	events      []Event
	nextEventID int64
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders:    make(map[string]Order),
		positions: make(map[int64]Position),
		trades:    make([]Trade, 0, 128),
		sessions:  make(map[string]Session),
		events:    make([]Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func sessionKey(symbol, strategyName string) string {
	return strings.ToUpper(symbol) + "|" + strategyName
}

// -------- Orders --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o Order) error {
	if o.ClientID == "" {
		return fmt.Errorf("memory: order has empty client ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o.UpdatedAt = time.Now().UTC()
	if prev, ok := m.orders[o.ClientID]; ok {
		o.CreatedAt = prev.CreatedAt
	} else if o.CreatedAt.IsZero() {
		o.CreatedAt = o.UpdatedAt
	}
	m.orders[o.ClientID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, clientID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[clientID]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", clientID, ErrNotFound)
	}
	return o, nil
}

func (m *MemoryStorage) GetOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if symbol == "" || strings.EqualFold(o.Symbol, symbol) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -------- Positions --------

func (m *MemoryStorage) OpenPosition(ctx context.Context, p Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPositionID++
	p.ID = m.nextPositionID
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	p.Closed = false
	m.positions[p.ID] = p
	return p.ID, nil
}

func (m *MemoryStorage) GetOpenPosition(ctx context.Context, symbol, strategyName string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.positions {
		if p.Closed {
			continue
		}
		if strings.EqualFold(p.Symbol, symbol) && p.StrategyName == strategyName {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ClosePosition(ctx context.Context, positionID int64, t Trade) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return Trade{}, fmt.Errorf("position %d: %w", positionID, ErrNotFound)
	}
	if p.Closed {
		return Trade{}, fmt.Errorf("position %d: %w", positionID, ErrPositionClosed)
	}
	p.Closed = true
	m.positions[positionID] = p

	m.nextTradeID++
	t.ID = m.nextTradeID
	if t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now().UTC()
	}
	m.trades = append(m.trades, t)
	return t, nil
}

// -------- Trades --------

func (m *MemoryStorage) GetTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if f.Symbol != "" && !strings.EqualFold(t.Symbol, f.Symbol) {
			continue
		}
		if f.StrategyName != "" && t.StrategyName != f.StrategyName {
			continue
		}
		if !f.Start.IsZero() && t.ClosedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && t.ClosedAt.After(f.End) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// -------- Sessions --------

func (m *MemoryStorage) SaveSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.sessions[sessionKey(s.Symbol, s.StrategyName)] = s
	return nil
}

func (m *MemoryStorage) GetSessions(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].StrategyName < out[j].StrategyName
	})
	return out, nil
}

// -------- Events --------

func (m *MemoryStorage) LogEvent(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	e.ID = m.nextEventID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }
