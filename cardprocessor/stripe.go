package cardprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Stripe is a Processor backed by the Stripe API.
type Stripe struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripe creates a Stripe processor for the given secret key.
func NewStripe(secretKey string, logger *slog.Logger) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api, logger: logger.With("adapter", "stripe")}
}

func (s *Stripe) Charge(ctx context.Context, p ChargeParams) (*Charge, error) {
	params := &stripe.ChargeParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		Capture:  stripe.Bool(p.Capture),
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	if p.Customer != "" {
		params.Customer = stripe.String(p.Customer)
	}
	if p.Source != "" {
		if err := params.SetSource(p.Source); err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: err.Error(), Cause: err}
		}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.AddMetadata("idempotencyKey", p.IdempotencyKey)
	}
	for k, v := range p.AdditionalParams {
		params.AddExtra(k, v)
	}

	ch, err := s.api.Charges.New(params)
	if err != nil {
		s.logger.WarnContext(ctx, "charge failed", "idempotencyKey", p.IdempotencyKey, "error", err)
		return nil, classify(err)
	}
	s.logger.InfoContext(ctx, "charge created", "chargeId", ch.ID, "amount", ch.Amount, "captured", ch.Captured)
	return fromStripeCharge(ch), nil
}

func (s *Stripe) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	params := &stripe.RefundParams{Charge: stripe.String(p.ChargeID)}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if p.Reason != "" {
		params.Reason = stripe.String(p.Reason)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		s.logger.WarnContext(ctx, "refund failed", "chargeId", p.ChargeID, "error", err)
		return nil, classify(err)
	}
	s.logger.InfoContext(ctx, "refund created", "refundId", r.ID, "chargeId", p.ChargeID, "amount", r.Amount)
	return &Refund{ID: r.ID, ChargeID: p.ChargeID, Amount: r.Amount, Status: string(r.Status)}, nil
}

func (s *Stripe) Capture(ctx context.Context, p CaptureParams) (*Charge, error) {
	params := &stripe.ChargeCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	ch, err := s.api.Charges.Capture(p.ChargeID, params)
	if err != nil {
		s.logger.WarnContext(ctx, "capture failed", "chargeId", p.ChargeID, "error", err)
		return nil, classify(err)
	}
	return fromStripeCharge(ch), nil
}

func (s *Stripe) UpdateCharge(ctx context.Context, chargeID string, metadata map[string]string) error {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if _, err := s.api.Charges.Update(chargeID, params); err != nil {
		return classify(err)
	}
	return nil
}

// FindCharge searches charges by the idempotency key stored in their
// metadata. Stripe's search index lags writes by up to a minute, so a
// charge made moments ago may not be found yet.
func (s *Stripe) FindCharge(ctx context.Context, idempotencyKey string) (*Charge, error) {
	params := &stripe.ChargeSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['idempotencyKey']:'%s'", strings.ReplaceAll(idempotencyKey, "'", `\'`))
	params.Limit = stripe.Int64(1)

	iter := s.api.Charges.Search(params)
	for iter.Next() {
		return fromStripeCharge(iter.Charge()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, classify(err)
	}
	return nil, ErrChargeNotFound
}

func fromStripeCharge(ch *stripe.Charge) *Charge {
	return &Charge{
		ID:             ch.ID,
		Amount:         ch.Amount,
		AmountRefunded: ch.AmountRefunded,
		Currency:       string(ch.Currency),
		Captured:       ch.Captured,
		Refunded:       ch.Refunded,
		Status:         string(ch.Status),
	}
}

// classify maps a stripe-go error onto a Kind.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Kind: KindConnection, Message: "could not reach stripe", Cause: err}
	}
	out := &Error{
		Code:        string(se.Code),
		DeclineCode: string(se.DeclineCode),
		Message:     se.Msg,
		StatusCode:  se.HTTPStatusCode,
		RequestID:   se.RequestID,
		Cause:       err,
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		out.Kind = KindCardDeclined
	case se.Code == stripe.ErrorCodeRateLimit || se.HTTPStatusCode == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
	case se.Type == stripe.ErrorTypeIdempotency:
		out.Kind = KindIdempotencyConflict
	case se.Type == stripe.ErrorTypeInvalidRequest:
		out.Kind = KindInvalidRequest
	case se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI:
		out.Kind = KindConnection
	default:
		out.Kind = KindUnknown
	}
	return out
}
