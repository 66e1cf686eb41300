// Package ledger implements the transactional core of the betting service:
// registering users and events, placing trades, and resolving events.
//
// Every operation runs as a single store transaction. The engine holds no
// mutable state of its own; all state lives in the store.
//
// Money is carried as decimal.Decimal throughout, never float64.
package ledger

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/model"
	"github.com/friendsbets/ledger/internal/store"
)

var (
	// StartingBalance is credited to every newly registered user.
	StartingBalance = decimal.RequireFromString("100.00")

	// PayoutMultiple is applied to a winning position's amount at settlement.
	// Winners are paid from an implicit pool, not from the losers' stakes.
	PayoutMultiple = decimal.NewFromInt(2)
)

// Engine applies ledger operations against a store.
type Engine struct {
	store  store.Store
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the identifier generator.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine backed by st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		now:    time.Now,
		newID:  model.NewID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}
