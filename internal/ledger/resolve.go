package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/metrics"
	"github.com/friendsbets/ledger/internal/model"
	"github.com/friendsbets/ledger/internal/store"
)

// ResolveEvent fixes the outcome of an open event and pays out every winning
// position. It fails with ErrEventNotFound or ErrEventAlreadyResolved.
func (e *Engine) ResolveEvent(ctx context.Context, eventID string, outcome bool) (*model.Event, error) {
	s, err := e.Settle(ctx, eventID, outcome)
	if err != nil {
		return nil, err
	}
	return &s.Event, nil
}

// Settle is ResolveEvent returning the full settlement report.
//
// Each winning position credits its holder with amount * PayoutMultiple;
// losing positions get nothing back. Positions are left untouched as a
// record of what was held. A winning position whose holder is missing is
// skipped, logged and counted rather than failing the whole settlement.
func (e *Engine) Settle(ctx context.Context, eventID string, outcome bool) (*model.Settlement, error) {
	var settlement *model.Settlement
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		event, err := tx.GetEventForUpdate(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		if !event.IsOpen() {
			return ErrEventAlreadyResolved
		}

		resolved, err := tx.MarkEventResolved(ctx, eventID, outcome, e.timestamp())
		if errors.Is(err, store.ErrConflict) {
			return ErrEventAlreadyResolved
		}
		if err != nil {
			return err
		}

		positions, err := tx.ListPositionsByEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("load positions: %w", err)
		}
		// Credit in user order so concurrent settlements lock rows consistently.
		sort.Slice(positions, func(i, j int) bool {
			if positions[i].UserID != positions[j].UserID {
				return positions[i].UserID < positions[j].UserID
			}
			return positions[i].ID < positions[j].ID
		})

		s := &model.Settlement{
			Event:       *resolved,
			Payouts:     []model.Payout{},
			TotalPayout: decimal.Zero,
		}
		for _, p := range positions {
			if p.Prediction != outcome {
				s.Losing++
				continue
			}
			payout := p.Amount.Mul(PayoutMultiple)
			if _, err := tx.AdjustBalance(ctx, p.UserID, payout); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					s.Skipped = append(s.Skipped, p.ID)
					continue
				}
				return fmt.Errorf("credit user %s: %w", p.UserID, err)
			}
			s.Payouts = append(s.Payouts, model.Payout{
				PositionID: p.ID,
				UserID:     p.UserID,
				Stake:      p.Amount,
				Amount:     payout,
			})
			s.TotalPayout = s.TotalPayout.Add(payout)
		}

		settlement = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range settlement.Skipped {
		metrics.OrphanPositions.Inc()
		e.logger.Warn("settlement skipped position with missing user",
			"event_id", eventID,
			"position_id", id,
		)
	}
	metrics.ResolutionsTotal.WithLabelValues(predictionLabel(outcome)).Inc()
	metrics.PayoutVolume.Add(settlement.TotalPayout.InexactFloat64())

	e.logger.Info("event resolved",
		"event_id", eventID,
		"outcome", outcome,
		"winners", len(settlement.Payouts),
		"losers", settlement.Losing,
		"skipped", len(settlement.Skipped),
		"total_payout", settlement.TotalPayout.StringFixed(MoneyScale),
	)
	return settlement, nil
}
