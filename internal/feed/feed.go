// Package feed pushes ledger activity to real-time subscribers: browsers
// over WebSocket and other services over NATS.
package feed

import (
	"time"

	"github.com/friendsbets/ledger/internal/model"
)

// Message types.
const (
	TypeTradePlaced   = "trade_placed"
	TypeEventResolved = "event_resolved"
)

// Message is the JSON payload delivered to every subscriber.
type Message struct {
	Type        string    `json:"type"`
	EventID     string    `json:"event_id"`
	TradeID     string    `json:"trade_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Prediction  *bool     `json:"prediction,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Outcome     *bool     `json:"outcome,omitempty"`
	Winners     int       `json:"winners,omitempty"`
	TotalPayout string    `json:"total_payout,omitempty"`
	At          time.Time `json:"at"`
}

// TradePlaced builds the message announcing a new trade.
func TradePlaced(t *model.Trade) Message {
	prediction := t.Prediction
	return Message{
		Type:       TypeTradePlaced,
		EventID:    t.EventID,
		TradeID:    t.ID,
		UserID:     t.UserID,
		Prediction: &prediction,
		Amount:     t.Amount.StringFixed(model.MoneyScale),
		At:         t.CreatedAt,
	}
}

// EventResolved builds the message announcing a settlement.
func EventResolved(s *model.Settlement) Message {
	msg := Message{
		Type:        TypeEventResolved,
		EventID:     s.Event.ID,
		Outcome:     s.Event.Outcome,
		Winners:     len(s.Payouts),
		TotalPayout: s.TotalPayout.StringFixed(model.MoneyScale),
	}
	if s.Event.ResolvedAt != nil {
		msg.At = *s.Event.ResolvedAt
	}
	return msg
}

// Broadcaster delivers messages without blocking the caller.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Multi fans one message out to several broadcasters. Nil entries are skipped.
type Multi []Broadcaster

func (m Multi) Broadcast(msg Message) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(msg)
		}
	}
}

// Discard drops every message.
type Discard struct{}

func (Discard) Broadcast(Message) {}
