package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsbets/ledger/internal/metrics"
	"github.com/friendsbets/ledger/internal/model"
	"github.com/friendsbets/ledger/internal/store"
)

// CreateUser registers a user with StartingBalance.
func (e *Engine) CreateUser(ctx context.Context, displayName string) (*model.User, error) {
	name, ok := normalizeText(displayName, MaxDisplayNameLen, false)
	if !ok {
		return nil, ErrInvalidDisplayName
	}

	user := &model.User{
		ID:          e.newID(),
		DisplayName: name,
		Balance:     StartingBalance,
		CreatedAt:   e.timestamp(),
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	metrics.UsersCreated.Inc()
	e.logger.Info("user created", "user_id", user.ID, "display_name", user.DisplayName)
	return user, nil
}

// NewEvent holds the fields supplied when creating an event.
type NewEvent struct {
	Title       string
	Description *string
	CreatedByID string
}

// CreateEvent opens a new event. The creator must be an existing user.
func (e *Engine) CreateEvent(ctx context.Context, in NewEvent) (*model.Event, error) {
	title, ok := normalizeText(in.Title, MaxTitleLen, false)
	if !ok {
		return nil, ErrInvalidTitle
	}
	var description *string
	if in.Description != nil {
		d, ok := normalizeText(*in.Description, MaxDescriptionLen, true)
		if !ok {
			return nil, ErrInvalidDescription
		}
		if d != "" {
			description = &d
		}
	}

	event := &model.Event{
		ID:          e.newID(),
		Title:       title,
		Description: description,
		CreatedByID: in.CreatedByID,
		Status:      model.StatusOpen,
		CreatedAt:   e.timestamp(),
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, in.CreatedByID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return tx.InsertEvent(ctx, event)
	})
	if errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	metrics.EventsCreated.Inc()
	e.logger.Info("event created", "event_id", event.ID, "created_by_id", event.CreatedByID, "title", event.Title)
	return event, nil
}
