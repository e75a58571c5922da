package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/valueledger/cardprocessor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/metrics"
	"github.com/warp/valueledger/planner"
)

// saga runs the card actions of one plan and remembers every charge it
// made so they can be refunded if the ledger write fails.
type saga struct {
	cards   cardprocessor.Processor
	logger  *slog.Logger
	metrics *metrics.Metrics
	txID    string

	charges []madeCharge
	// touched is set once any card call had an effect.
	touched bool
}

type madeCharge struct {
	id  string
	key string
}

func newSaga(cards cardprocessor.Processor, logger *slog.Logger, m *metrics.Metrics, txID string) *saga {
	return &saga{cards: cards, logger: logger, metrics: m, txID: txID}
}

// run performs every card action in order and writes the results into
// the matching transaction steps.
func (s *saga) run(ctx context.Context, actions []planner.CardAction, tx *ledger.Transaction) error {
	for _, a := range actions {
		step := tx.Steps[a.StepIndex].Stripe
		switch a.Operation {
		case ledger.StripeCharge:
			ch, err := s.cards.Charge(ctx, cardprocessor.ChargeParams{
				Amount:           a.Amount,
				Currency:         a.Currency,
				Source:           a.Source,
				Customer:         a.Customer,
				Capture:          a.Capture,
				IdempotencyKey:   a.IdempotencyKey,
				Metadata:         map[string]string{"lightrailTransactionId": s.txID},
				AdditionalParams: a.AdditionalParams,
			})
			s.observe("charge", err)
			if err != nil {
				return cardError(err)
			}
			if ch.Refunded || ch.AmountRefunded > 0 {
				// A replay of a charge refunded by an earlier failed attempt.
				s.logger.Warn("processor replayed a refunded charge",
					"transaction_id", s.txID, "charge_id", ch.ID)
				return ledger.Errorf(ledger.CodeTransactionExists,
					"transaction %s was refunded after a failed attempt", s.txID).
					WithDetail("transactionId", s.txID).
					WithDetail("chargeId", ch.ID)
			}
			s.touched = true
			s.charges = append(s.charges, madeCharge{id: ch.ID, key: a.IdempotencyKey})
			step.ChargeID = ch.ID
			step.Charge = ch.Snapshot()
			s.logger.Info("card charged",
				"transaction_id", s.txID, "charge_id", ch.ID, "amount", a.Amount, "captured", ch.Captured)

		case ledger.StripeRefund:
			r, err := s.cards.Refund(ctx, cardprocessor.RefundParams{
				ChargeID:       a.ChargeID,
				Amount:         a.Amount,
				IdempotencyKey: a.IdempotencyKey,
				Reason:         "requested_by_customer",
				Metadata:       map[string]string{"lightrailTransactionId": s.txID},
			})
			s.observe("refund", err)
			if err != nil {
				return cardError(err)
			}
			s.touched = true
			step.RefundID = r.ID
			step.Charge = map[string]any{"id": a.ChargeID, "refundId": r.ID, "status": r.Status}
			s.logger.Info("card refunded", "transaction_id", s.txID, "charge_id", a.ChargeID, "refund_id", r.ID)

		case ledger.StripeCapture:
			ch, err := s.cards.Capture(ctx, cardprocessor.CaptureParams{ChargeID: a.ChargeID, IdempotencyKey: a.IdempotencyKey})
			s.observe("capture", err)
			if err != nil {
				return cardError(err)
			}
			s.touched = true
			step.Charge = ch.Snapshot()
			s.logger.Info("card captured", "transaction_id", s.txID, "charge_id", a.ChargeID)
		}
	}
	return nil
}

// compensate refunds every charge made by run, newest first. Each refund
// uses the charge's key plus "-refund" so a repeated compensation is a
// no-op at the processor.
func (s *saga) compensate(cause error) {
	// The request context may already be canceled; refunds must still go out.
	ctx := context.Background()
	for i := len(s.charges) - 1; i >= 0; i-- {
		c := s.charges[i]
		_, err := s.cards.Refund(ctx, cardprocessor.RefundParams{
			ChargeID:       c.id,
			IdempotencyKey: c.key + "-refund",
			Reason:         "requested_by_customer",
			Metadata:       map[string]string{"lightrailTransactionId": s.txID, "compensation": "true"},
		})
		s.observe("refund", err)
		if err != nil {
			s.logger.Error("compensating refund failed",
				"transaction_id", s.txID, "charge_id", c.id, "cause", cause, "error", err)
			continue
		}
		s.metrics.Compensation()
		s.logger.Warn("charge refunded after ledger write failed",
			"transaction_id", s.txID, "charge_id", c.id, "cause", cause)
	}
}

func (s *saga) observe(op string, err error) {
	if err == nil {
		s.metrics.CardCall(op, "ok")
		return
	}
	s.metrics.CardCall(op, string(cardprocessor.KindOf(err)))
}

// cardError maps a processor failure onto a ledger error. The processor's
// public payload travels in the details.
func cardError(err error) error {
	var ce *cardprocessor.Error
	if !errors.As(err, &ce) {
		return ledger.Wrap(ledger.CodeStripeError, err, "card processor failed")
	}
	var out *ledger.Error
	switch ce.Kind {
	case cardprocessor.KindCardDeclined:
		out = ledger.Wrap(ledger.CodeStripeCardDeclined, err, "%s", ce.Message)
	case cardprocessor.KindUnavailable, cardprocessor.KindRateLimited, cardprocessor.KindConnection:
		out = ledger.Wrap(ledger.CodeStripeUnavailable, err, "card processor is unavailable")
	default:
		out = ledger.Wrap(ledger.CodeStripeError, err, "%s", ce.Message)
	}
	return out.WithDetail("stripeError", ce.Public())
}
