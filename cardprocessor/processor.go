/*
processor.go - Card processor contract

PURPOSE:
  The ledger talks to Stripe (or anything shaped like it) through this
  narrow interface: charge, refund, capture, and update a charge's
  metadata. Implementations classify every failure into a Kind so the
  executor can decide between surfacing, retrying and compensating.

ERROR KINDS:
  CardDeclined         terminal, surfaced to the caller
  RateLimited          retried with backoff, then Unavailable
  Connection           retried a bounded number of times, then Unavailable
  IdempotencyConflict  the key was reused with different parameters; a
                       charge conflict is answered with the original
                       charge when its amount and currency match
  InvalidRequest       the processor rejected the parameters
  Unavailable          retries exhausted

IDEMPOTENCY:
  Every charge, refund and capture carries an idempotency key derived
  from the ledger transaction id and step index, so a retried call never
  charges twice. Charges also carry the key in their metadata so a
  ChargeFinder can look the original up.

IMPLEMENTATIONS:
  - stripe.go: stripe-go client
  - retry.go:  backoff decorator around any Processor
  - fake.go:   in-memory processor for tests and local development
*/
package cardprocessor

import (
	"context"
	"errors"
	"fmt"
)

// ChargeParams describes a card charge.
type ChargeParams struct {
	Amount           int64
	Currency         string
	Source           string
	Customer         string
	Capture          bool
	IdempotencyKey   string
	Description      string
	Metadata         map[string]string
	AdditionalParams map[string]string
}

// Charge is the processor's view of a charge.
type Charge struct {
	ID             string
	Amount         int64
	AmountRefunded int64
	Currency       string
	Captured       bool
	Refunded       bool
	Status         string
}

// Snapshot is the sanitized form stored on a transaction step.
func (c *Charge) Snapshot() map[string]any {
	return map[string]any{
		"id":             c.ID,
		"amount":         c.Amount,
		"amountRefunded": c.AmountRefunded,
		"currency":       c.Currency,
		"captured":       c.Captured,
		"refunded":       c.Refunded,
		"status":         c.Status,
	}
}

// RefundParams refunds a charge. Amount 0 refunds whatever is left.
type RefundParams struct {
	ChargeID       string
	Amount         int64
	IdempotencyKey string
	Reason         string
	Metadata       map[string]string
}

// Refund is the processor's view of a refund.
type Refund struct {
	ID       string
	ChargeID string
	Amount   int64
	Status   string
}

// CaptureParams captures an authorized charge.
type CaptureParams struct {
	ChargeID       string
	IdempotencyKey string
}

// Processor is a card payment backend.
type Processor interface {
	Charge(ctx context.Context, p ChargeParams) (*Charge, error)
	Refund(ctx context.Context, p RefundParams) (*Refund, error)
	Capture(ctx context.Context, p CaptureParams) (*Charge, error)
	UpdateCharge(ctx context.Context, chargeID string, metadata map[string]string) error
}

// ChargeFinder is implemented by processors that can look a charge up by
// the idempotency key it was created with.
type ChargeFinder interface {
	FindCharge(ctx context.Context, idempotencyKey string) (*Charge, error)
}

// ErrChargeNotFound is returned by FindCharge when no charge has the key.
var ErrChargeNotFound = errors.New("charge not found")

// =============================================================================
// ERRORS
// =============================================================================

// Kind classifies a processor failure.
type Kind string

const (
	KindCardDeclined        Kind = "card_declined"
	KindRateLimited         Kind = "rate_limited"
	KindConnection          Kind = "connection"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindInvalidRequest      Kind = "invalid_request"
	KindUnavailable         Kind = "unavailable"
	KindUnknown             Kind = "unknown"
)

// Error is a classified processor failure. Message and Code come from the
// processor; Cause keeps the raw error for logs only.
type Error struct {
	Kind        Kind
	Code        string
	DeclineCode string
	Message     string
	StatusCode  int
	RequestID   string
	Cause       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("card processor %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Public is the upstream payload safe to show a caller.
func (e *Error) Public() map[string]any {
	out := map[string]any{"kind": string(e.Kind), "message": e.Message}
	if e.Code != "" {
		out["code"] = e.Code
	}
	if e.DeclineCode != "" {
		out["declineCode"] = e.DeclineCode
	}
	if e.RequestID != "" {
		out["requestId"] = e.RequestID
	}
	return out
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable is true for transient failures.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindConnection
}
