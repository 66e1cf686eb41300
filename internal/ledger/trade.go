package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/metrics"
	"github.com/friendsbets/ledger/internal/model"
	"github.com/friendsbets/ledger/internal/store"
)

// PlaceTrade stakes amount from the user's balance on the given prediction.
//
// Checks run in this order, each with its own error: amount
// (ErrInvalidAmount), user exists (ErrUserNotFound), balance covers amount
// (ErrInsufficientBalance), event exists (ErrEventNotFound), event is open
// (ErrEventNotOpen). On success the balance debit, the trade record and the
// position increment are committed together.
func (e *Engine) PlaceTrade(ctx context.Context, eventID, userID string, prediction bool, amount decimal.Decimal) (*model.Trade, error) {
	start := time.Now()
	defer func() { metrics.TradeLatency.Observe(time.Since(start).Seconds()) }()

	if err := ValidateAmount(amount); err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	var trade *model.Trade
	var position *model.Position
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		// Lock order is event, then user. Resolution takes the event first
		// too, so a trade and a settlement never wait on each other in a cycle.
		event, err := tx.GetEventForShare(ctx, eventID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		user, err := tx.GetUserForUpdate(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if user.Balance.LessThan(amount) {
			return ErrInsufficientBalance
		}
		if event == nil {
			return ErrEventNotFound
		}
		if !event.IsOpen() {
			return ErrEventNotOpen
		}

		if _, err := tx.AdjustBalance(ctx, userID, amount.Neg()); err != nil {
			if errors.Is(err, store.ErrNegativeBalance) {
				return ErrInsufficientBalance
			}
			return fmt.Errorf("debit user %s: %w", userID, err)
		}

		t := &model.Trade{
			ID:         e.newID(),
			EventID:    eventID,
			UserID:     userID,
			Prediction: prediction,
			Amount:     amount,
			CreatedAt:  e.timestamp(),
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return fmt.Errorf("record trade: %w", err)
		}

		pos, err := tx.UpsertPosition(ctx, &model.Position{
			ID:         e.newID(),
			EventID:    eventID,
			UserID:     userID,
			Prediction: prediction,
			Amount:     amount,
		})
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		trade, position = t, pos
		return nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	side := predictionLabel(prediction)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.StakedVolume.WithLabelValues(side).Add(amount.InexactFloat64())

	e.logger.Info("trade placed",
		"trade_id", trade.ID,
		"event_id", eventID,
		"user_id", userID,
		"prediction", prediction,
		"amount", amount.StringFixed(MoneyScale),
		"position_id", position.ID,
		"position_amount", position.Amount.StringFixed(MoneyScale),
	)
	return trade, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrEventNotOpen):
		return "event_not_open"
	default:
		return "error"
	}
}

func predictionLabel(p bool) string {
	return strconv.FormatBool(p)
}
