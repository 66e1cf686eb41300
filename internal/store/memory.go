package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	users     map[string]*model.User
	events    map[string]*model.Event
	trades    []model.Trade
	positions map[string]*model.Position
	byKey     map[model.PositionKey]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			users:     make(map[string]*model.User),
			events:    make(map[string]*model.Event),
			positions: make(map[string]*model.Position),
			byKey:     make(map[model.PositionKey]string),
		},
	}
}

// WithTx holds the write lock for the whole of fn, so transactions are
// fully serialized. On error the state from before fn is restored.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// --- Reads ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.user(id)
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		users = append(users, *u)
	}
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.event(id)
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.state.events))
	for _, e := range s.state.events {
		events = append(events, copyEvent(e))
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

// ListTrades returns the newest trades first. The ledger slice is in
// insertion order, so it is walked backwards.
func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.state.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, s.state.trades[i])
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByEvent(_ context.Context, eventID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterTrades(func(t *model.Trade) bool { return t.EventID == eventID }), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterTrades(func(t *model.Trade) bool { return t.UserID == userID }), nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterPositions(func(*model.Position) bool { return true }), nil
}

func (s *MemoryStore) ListPositionsByEvent(_ context.Context, eventID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterPositions(func(p *model.Position) bool { return p.EventID == eventID }), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}

// --- Transaction ---

// memTx operates directly on the live state; the caller already holds the
// store's write lock.
type memTx struct {
	st *memState
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	return t.st.user(id)
}

func (t *memTx) GetUserForUpdate(_ context.Context, id string) (*model.User, error) {
	return t.st.user(id)
}

func (t *memTx) GetEventForShare(_ context.Context, id string) (*model.Event, error) {
	return t.st.event(id)
}

func (t *memTx) GetEventForUpdate(_ context.Context, id string) (*model.Event, error) {
	return t.st.event(id)
}

func (t *memTx) InsertUser(_ context.Context, u *model.User) error {
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	copy := *u
	t.st.users[u.ID] = &copy
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, e *model.Event) error {
	if _, ok := t.st.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, ErrConflict)
	}
	if _, ok := t.st.users[e.CreatedByID]; !ok {
		return fmt.Errorf("event creator %s: %w", e.CreatedByID, ErrNotFound)
	}
	copy := copyEvent(e)
	t.st.events[e.ID] = &copy
	return nil
}

func (t *memTx) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNegativeBalance)
	}
	u.Balance = next
	return next, nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	for i := range t.st.trades {
		if t.st.trades[i].ID == tr.ID {
			return fmt.Errorf("trade %s: %w", tr.ID, ErrConflict)
		}
	}
	if _, ok := t.st.users[tr.UserID]; !ok {
		return fmt.Errorf("trade user %s: %w", tr.UserID, ErrNotFound)
	}
	if _, ok := t.st.events[tr.EventID]; !ok {
		return fmt.Errorf("trade event %s: %w", tr.EventID, ErrNotFound)
	}
	t.st.trades = append(t.st.trades, *tr)
	return nil
}

func (t *memTx) UpsertPosition(_ context.Context, pos *model.Position) (*model.Position, error) {
	key := pos.Key()
	if id, ok := t.st.byKey[key]; ok {
		existing := t.st.positions[id]
		existing.Amount = existing.Amount.Add(pos.Amount)
		copy := *existing
		return &copy, nil
	}
	if _, ok := t.st.positions[pos.ID]; ok {
		return nil, fmt.Errorf("position %s: %w", pos.ID, ErrConflict)
	}
	copy := *pos
	t.st.positions[pos.ID] = &copy
	t.st.byKey[key] = pos.ID
	out := copy
	return &out, nil
}

func (t *memTx) MarkEventResolved(_ context.Context, id string, outcome bool, at time.Time) (*model.Event, error) {
	e, ok := t.st.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if e.Status != model.StatusOpen {
		return nil, fmt.Errorf("event %s is %s: %w", id, e.Status, ErrConflict)
	}
	e.Status = model.StatusResolved
	e.Outcome = &outcome
	e.ResolvedAt = &at
	copy := copyEvent(e)
	return &copy, nil
}

func (t *memTx) ListPositionsByEvent(_ context.Context, eventID string) ([]model.Position, error) {
	return t.st.filterPositions(func(p *model.Position) bool { return p.EventID == eventID }), nil
}

// --- State helpers ---

func (st *memState) user(id string) (*model.User, error) {
	u, ok := st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (st *memState) event(id string) (*model.Event, error) {
	e, ok := st.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	copy := copyEvent(e)
	return &copy, nil
}

func (st *memState) filterTrades(keep func(*model.Trade) bool) []model.Trade {
	var result []model.Trade
	for i := len(st.trades) - 1; i >= 0; i-- {
		if keep(&st.trades[i]) {
			result = append(result, st.trades[i])
		}
	}
	return result
}

func (st *memState) filterPositions(keep func(*model.Position) bool) []model.Position {
	var result []model.Position
	for _, p := range st.positions {
		if keep(p) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (st *memState) clone() memState {
	c := memState{
		users:     make(map[string]*model.User, len(st.users)),
		events:    make(map[string]*model.Event, len(st.events)),
		trades:    append([]model.Trade(nil), st.trades...),
		positions: make(map[string]*model.Position, len(st.positions)),
		byKey:     make(map[model.PositionKey]string, len(st.byKey)),
	}
	for id, u := range st.users {
		u := *u
		c.users[id] = &u
	}
	for id, e := range st.events {
		e := copyEvent(e)
		c.events[id] = &e
	}
	for id, p := range st.positions {
		p := *p
		c.positions[id] = &p
	}
	for k, v := range st.byKey {
		c.byKey[k] = v
	}
	return c
}

// copyEvent deep-copies the pointer fields so callers cannot mutate stored state.
func copyEvent(e *model.Event) model.Event {
	c := *e
	if e.Description != nil {
		d := *e.Description
		c.Description = &d
	}
	if e.Outcome != nil {
		o := *e.Outcome
		c.Outcome = &o
	}
	if e.ResolvedAt != nil {
		r := *e.ResolvedAt
		c.ResolvedAt = &r
	}
	return c
}
