package cardprocessor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retrying retries transient failures of the wrapped Processor with
// exponential backoff. Each call reuses its idempotency key, so a retry
// that reaches the processor twice is deduplicated there.
type Retrying struct {
	next       Processor
	maxRetries uint64
	initial    time.Duration
	logger     *slog.Logger
}

// NewRetrying wraps next with up to maxRetries retries.
func NewRetrying(next Processor, maxRetries uint64, logger *slog.Logger) *Retrying {
	return &Retrying{next: next, maxRetries: maxRetries, initial: 200 * time.Millisecond, logger: logger}
}

// WithInitialInterval sets the first backoff interval.
func (r *Retrying) WithInitialInterval(d time.Duration) *Retrying {
	r.initial = d
	return r
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	out, err := backoff.RetryWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx))
	if err != nil && Retryable(err) {
		r.logger.WarnContext(ctx, "card processor retries exhausted", "op", op, "attempts", attempt, "error", err)
		var pe *Error
		if errors.As(err, &pe) {
			exhausted := *pe
			exhausted.Kind = KindUnavailable
			return out, &exhausted
		}
		return out, &Error{Kind: KindUnavailable, Message: "card processor unavailable", Cause: err}
	}
	return out, err
}

// Charge answers an idempotency conflict with the charge originally made
// under the same key, when the wrapped processor can find it and it is
// for the same amount and currency.
func (r *Retrying) Charge(ctx context.Context, p ChargeParams) (*Charge, error) {
	ch, err := retry(ctx, r, "charge", func() (*Charge, error) { return r.next.Charge(ctx, p) })
	if KindOf(err) != KindIdempotencyConflict || p.IdempotencyKey == "" {
		return ch, err
	}
	return r.originalCharge(ctx, p, err)
}

func (r *Retrying) originalCharge(ctx context.Context, p ChargeParams, conflict error) (*Charge, error) {
	finder, ok := r.next.(ChargeFinder)
	if !ok {
		return nil, conflict
	}
	orig, err := retry(ctx, r, "find", func() (*Charge, error) { return finder.FindCharge(ctx, p.IdempotencyKey) })
	if err != nil {
		r.logger.WarnContext(ctx, "could not find charge for conflicting key",
			"idempotencyKey", p.IdempotencyKey, "error", err)
		return nil, conflict
	}
	if orig.Amount != p.Amount || !strings.EqualFold(orig.Currency, p.Currency) {
		return nil, conflict
	}
	r.logger.InfoContext(ctx, "idempotency conflict resolved to original charge",
		"idempotencyKey", p.IdempotencyKey, "chargeId", orig.ID)
	return orig, nil
}

func (r *Retrying) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	return retry(ctx, r, "refund", func() (*Refund, error) { return r.next.Refund(ctx, p) })
}

func (r *Retrying) Capture(ctx context.Context, p CaptureParams) (*Charge, error) {
	return retry(ctx, r, "capture", func() (*Charge, error) { return r.next.Capture(ctx, p) })
}

func (r *Retrying) UpdateCharge(ctx context.Context, chargeID string, metadata map[string]string) error {
	_, err := retry(ctx, r, "update", func() (struct{}, error) {
		return struct{}{}, r.next.UpdateCharge(ctx, chargeID, metadata)
	})
	return err
}
