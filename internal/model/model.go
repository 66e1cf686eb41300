// Package model defines the ledger records shared across the service.
// Money is carried as decimal.Decimal, never float64.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event statuses. An event moves from open to resolved exactly once.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// MoneyScale is the number of decimal places every amount is written with.
const MoneyScale int32 = 2

// IDLength is the length of every generated record identifier.
const IDLength = 12

// NewID returns a random 12-character hex identifier. Uniqueness is
// assumed, not guaranteed.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}

// User is a player holding a virtual balance.
type User struct {
	ID          string          `json:"id" db:"id"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Event is a yes/no proposition open for betting until resolved.
// Outcome and ResolvedAt are only set once Status is resolved.
type Event struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description *string    `json:"description,omitempty" db:"description"`
	CreatedByID string     `json:"created_by_id" db:"created_by_id"`
	Status      string     `json:"status" db:"status"`
	Outcome     *bool      `json:"outcome,omitempty" db:"outcome"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// IsOpen reports whether the event still accepts trades.
func (e *Event) IsOpen() bool { return e.Status == StatusOpen }

// Trade is an immutable record of a single bet.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	EventID    string          `json:"event_id" db:"event_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Prediction bool            `json:"prediction" db:"prediction"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's cumulative stake on one (event, prediction) pair.
// At most one exists per (EventID, UserID, Prediction).
type Position struct {
	ID         string          `json:"id" db:"id"`
	EventID    string          `json:"event_id" db:"event_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Prediction bool            `json:"prediction" db:"prediction"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
}

// Key returns the uniqueness key of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{EventID: p.EventID, UserID: p.UserID, Prediction: p.Prediction}
}

// PositionKey identifies a position.
type PositionKey struct {
	EventID    string
	UserID     string
	Prediction bool
}

// Payout is the credit applied to one winning position at settlement.
type Payout struct {
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Stake      decimal.Decimal `json:"stake"`
	Amount     decimal.Decimal `json:"amount"`
}

// Settlement summarizes the resolution of one event.
type Settlement struct {
	Event       Event           `json:"event"`
	Payouts     []Payout        `json:"payouts"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Losing      int             `json:"losing_positions"`
	// Skipped lists position IDs whose holder no longer exists.
	Skipped []string `json:"skipped_positions,omitempty"`
}

// --- JSON ---
//
// Money fields are written with exactly MoneyScale places ("70.00", not
// "70"). Decoding relies on decimal's own UnmarshalJSON.

func money(d decimal.Decimal) string { return d.StringFixed(MoneyScale) }

func (u User) MarshalJSON() ([]byte, error) {
	type plain User
	return json.Marshal(struct {
		plain
		Balance string `json:"balance"`
	}{plain(u), money(u.Balance)})
}

func (t Trade) MarshalJSON() ([]byte, error) {
	type plain Trade
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(t), money(t.Amount)})
}

func (p Position) MarshalJSON() ([]byte, error) {
	type plain Position
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(p), money(p.Amount)})
}

func (p Payout) MarshalJSON() ([]byte, error) {
	type plain Payout
	return json.Marshal(struct {
		plain
		Stake  string `json:"stake"`
		Amount string `json:"amount"`
	}{plain(p), money(p.Stake), money(p.Amount)})
}

func (s Settlement) MarshalJSON() ([]byte, error) {
	type plain Settlement
	return json.Marshal(struct {
		plain
		TotalPayout string `json:"total_payout"`
	}{plain(s), money(s.TotalPayout)})
}
