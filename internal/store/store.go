// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a uniqueness constraint
	// or a conditional update finds the row in an unexpected state.
	ErrConflict = errors.New("store: conflict")

	// ErrNegativeBalance is returned when a balance adjustment would drive a
	// user's balance below zero.
	ErrNegativeBalance = errors.New("store: balance would become negative")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// WithTx runs fn inside a single transaction. If fn returns an error
	// every write made through tx is discarded.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader holds the read-only queries served outside of transactions.
type Reader interface {
	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users ordered by display name.
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Events ---

	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// ListEvents returns all events, newest first.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// --- Trades (append-only) ---

	// ListTrades returns the most recent trades, newest first.
	ListTrades(ctx context.Context, limit int) ([]model.Trade, error)

	ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error)

	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Positions ---

	ListPositions(ctx context.Context) ([]model.Position, error)

	ListPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error)

	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
}

// Tx is the set of operations available inside a transaction.
//
// Locking methods only take effect on stores with row locks; the in-memory
// store serializes whole transactions instead.
type Tx interface {
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserForUpdate reads a user and locks the row until commit.
	GetUserForUpdate(ctx context.Context, id string) (*model.User, error)

	// GetEventForShare reads an event and blocks concurrent status changes
	// until commit.
	GetEventForShare(ctx context.Context, id string) (*model.Event, error)

	// GetEventForUpdate reads an event and locks the row until commit.
	GetEventForUpdate(ctx context.Context, id string) (*model.Event, error)

	InsertUser(ctx context.Context, user *model.User) error

	InsertEvent(ctx context.Context, event *model.Event) error

	// AdjustBalance adds delta to the user's balance in one step and returns
	// the new balance.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	InsertTrade(ctx context.Context, trade *model.Trade) error

	// UpsertPosition creates pos, or when a position with the same
	// (event, user, prediction) key already exists, increments its amount by
	// pos.Amount. Returns the stored position.
	UpsertPosition(ctx context.Context, pos *model.Position) (*model.Position, error)

	// MarkEventResolved moves an open event to resolved. Returns ErrConflict
	// if the event is no longer open.
	MarkEventResolved(ctx context.Context, id string, outcome bool, at time.Time) (*model.Event, error)

	ListPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error)
}
