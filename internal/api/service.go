// Package api exposes the ledger over HTTP: users, events, trades and
// positions as JSON resources.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/feed"
	"github.com/friendsbets/ledger/internal/ledger"
	"github.com/friendsbets/ledger/internal/model"
	"github.com/friendsbets/ledger/internal/store"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Ledger is the set of write operations the handlers need.
type Ledger interface {
	CreateUser(ctx context.Context, displayName string) (*model.User, error)
	CreateEvent(ctx context.Context, in ledger.NewEvent) (*model.Event, error)
	PlaceTrade(ctx context.Context, eventID, userID string, prediction bool, amount decimal.Decimal) (*model.Trade, error)
	Settle(ctx context.Context, eventID string, outcome bool) (*model.Settlement, error)
}

// Service handles HTTP requests. Writes go through the ledger engine;
// reads go straight to the store.
type Service struct {
	ledger Ledger
	reader store.Reader
	feed   feed.Broadcaster
}

// NewService creates the HTTP service. Pass nil for fd if no real-time
// feed is needed.
func NewService(l Ledger, reader store.Reader, fd feed.Broadcaster) *Service {
	if fd == nil {
		fd = feed.Discard{}
	}
	return &Service{ledger: l, reader: reader, feed: fd}
}

// Routes registers the resource handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/users", s.ListUsers)
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/positions", s.ListUserPositions)

	r.Get("/events", s.ListEvents)
	r.Post("/events", s.CreateEvent)
	r.Get("/events/{eventID}", s.GetEvent)
	r.Post("/events/{eventID}/resolve", s.ResolveEvent)
	r.Get("/events/{eventID}/trades", s.ListEventTrades)
	r.Get("/events/{eventID}/positions", s.ListEventPositions)

	r.Get("/trades", s.ListTrades)
	r.Post("/trades", s.PlaceTrade)

	r.Get("/positions", s.ListPositions)
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	DisplayName string `json:"display_name"`
}

// CreateEventRequest is the JSON body for POST /events.
type CreateEventRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	CreatedByID string  `json:"created_by_id"`
}

// ResolveEventRequest is the JSON body for POST /events/{id}/resolve.
type ResolveEventRequest struct {
	Outcome *bool `json:"outcome"`
}

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	EventID    string          `json:"event_id"`
	UserID     string          `json:"user_id"`
	Prediction *bool           `json:"prediction"`
	Amount     decimal.Decimal `json:"amount"`
}

// --- Users ---

// ListUsers handles GET /api/users
func (s *Service) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.reader.ListUsers(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

// CreateUser handles POST /api/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.ledger.CreateUser(r.Context(), req.DisplayName)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.reader.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUserPositions handles GET /api/users/{userID}/positions
func (s *Service) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.reader.ListPositionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

// --- Events ---

// ListEvents handles GET /api/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.reader.ListEvents(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// CreateEvent handles POST /api/events
func (s *Service) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	event, err := s.ledger.CreateEvent(r.Context(), ledger.NewEvent{
		Title:       req.Title,
		Description: req.Description,
		CreatedByID: req.CreatedByID,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/events/"+event.ID)
	writeJSON(w, http.StatusCreated, event)
}

// GetEvent handles GET /api/events/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.reader.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// ResolveEvent handles POST /api/events/{eventID}/resolve
// Responds with the resolved event; the full settlement goes to the feed.
func (s *Service) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	var req ResolveEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Outcome == nil {
		writeError(w, "outcome is required", http.StatusBadRequest)
		return
	}

	settlement, err := s.ledger.Settle(r.Context(), chi.URLParam(r, "eventID"), *req.Outcome)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.feed.Broadcast(feed.EventResolved(settlement))
	writeJSON(w, http.StatusOK, settlement.Event)
}

// ListEventTrades handles GET /api/events/{eventID}/trades
func (s *Service) ListEventTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.reader.ListTradesByEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// ListEventPositions handles GET /api/events/{eventID}/positions
func (s *Service) ListEventPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.reader.ListPositionsByEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

// --- Trades ---

// ListTrades handles GET /api/trades?limit=N
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	trades, err := s.reader.ListTrades(r.Context(), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// PlaceTrade handles POST /api/trades
func (s *Service) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prediction == nil {
		writeError(w, "prediction is required", http.StatusBadRequest)
		return
	}

	trade, err := s.ledger.PlaceTrade(r.Context(), req.EventID, req.UserID, *req.Prediction, req.Amount)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.feed.Broadcast(feed.TradePlaced(trade))
	w.Header().Set("Location", "/api/trades/"+trade.ID)
	writeJSON(w, http.StatusCreated, trade)
}

// --- Positions ---

// ListPositions handles GET /api/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.reader.ListPositions(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

// --- Helpers ---

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", status)
	default:
		writeError(w, err.Error(), status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
