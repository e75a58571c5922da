package cardprocessor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Card tokens with special behavior in Fake.
const (
	FakeTokenDeclined    = "tok_chargeDeclined"
	FakeTokenRateLimited = "tok_rateLimited"
)

// Fake is an in-memory Processor. A repeated idempotency key replays the
// original result, which is what Stripe does.
type Fake struct {
	mu       sync.Mutex
	charges  map[string]*Charge
	byKey    map[string]*Charge
	refunds  map[string]*Refund
	failNext map[string]error
	calls    []string
	metadata map[string]map[string]string
}

func NewFake() *Fake {
	return &Fake{
		charges:  make(map[string]*Charge),
		byKey:    make(map[string]*Charge),
		refunds:  make(map[string]*Refund),
		failNext: make(map[string]error),
		metadata: make(map[string]map[string]string),
	}
}

// FailNext makes the next call of op ("charge", "refund", "capture",
// "update") return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// Calls lists every call made, as "op:key".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Charges returns the charges currently known, keyed by id.
func (f *Fake) Charges() map[string]Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Charge, len(f.charges))
	for id, c := range f.charges {
		out[id] = *c
	}
	return out
}

// Metadata returns what UpdateCharge stored for a charge.
func (f *Fake) Metadata(chargeID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata[chargeID]
}

func (f *Fake) takeFailure(op string) error {
	err := f.failNext[op]
	delete(f.failNext, op)
	return err
}

func (f *Fake) Charge(_ context.Context, p ChargeParams) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "charge:"+p.IdempotencyKey)

	if err := f.takeFailure("charge"); err != nil {
		return nil, err
	}
	if c, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		if c.Amount != p.Amount {
			return nil, &Error{Kind: KindIdempotencyConflict, Message: "idempotency key reused with different parameters"}
		}
		cp := *c
		return &cp, nil
	}
	switch p.Source {
	case FakeTokenDeclined:
		return nil, &Error{Kind: KindCardDeclined, Code: "card_declined", DeclineCode: "generic_decline", Message: "Your card was declined."}
	case FakeTokenRateLimited:
		return nil, &Error{Kind: KindRateLimited, Code: "rate_limit", Message: "Too many requests."}
	}
	if p.Amount <= 0 {
		return nil, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("invalid amount %d", p.Amount)}
	}

	c := &Charge{
		ID:       "ch_" + uuid.NewString(),
		Amount:   p.Amount,
		Currency: p.Currency,
		Captured: p.Capture,
		Status:   "succeeded",
	}
	f.charges[c.ID] = c
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = c
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) FindCharge(_ context.Context, idempotencyKey string) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "find:"+idempotencyKey)

	c, ok := f.byKey[idempotencyKey]
	if !ok {
		return nil, ErrChargeNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) Refund(_ context.Context, p RefundParams) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "refund:"+p.IdempotencyKey)

	if err := f.takeFailure("refund"); err != nil {
		return nil, err
	}
	if r, ok := f.refunds[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *r
		return &cp, nil
	}
	c, ok := f.charges[p.ChargeID]
	if !ok {
		return nil, &Error{Kind: KindInvalidRequest, Message: "no such charge " + p.ChargeID}
	}
	amount := p.Amount
	if amount == 0 {
		amount = c.Amount - c.AmountRefunded
	}
	if amount <= 0 || c.AmountRefunded+amount > c.Amount {
		return nil, &Error{Kind: KindInvalidRequest, Message: "charge " + p.ChargeID + " has already been refunded"}
	}
	c.AmountRefunded += amount
	c.Refunded = c.AmountRefunded == c.Amount

	r := &Refund{ID: "re_" + uuid.NewString(), ChargeID: c.ID, Amount: amount, Status: "succeeded"}
	if p.IdempotencyKey != "" {
		f.refunds[p.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) Capture(_ context.Context, p CaptureParams) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "capture:"+p.IdempotencyKey)

	if err := f.takeFailure("capture"); err != nil {
		return nil, err
	}
	c, ok := f.charges[p.ChargeID]
	if !ok {
		return nil, &Error{Kind: KindInvalidRequest, Message: "no such charge " + p.ChargeID}
	}
	if c.Refunded {
		return nil, &Error{Kind: KindInvalidRequest, Message: "charge " + p.ChargeID + " has been refunded"}
	}
	c.Captured = true
	cp := *c
	return &cp, nil
}

func (f *Fake) UpdateCharge(_ context.Context, chargeID string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update:"+chargeID)

	if err := f.takeFailure("update"); err != nil {
		return err
	}
	if _, ok := f.charges[chargeID]; !ok {
		return &Error{Kind: KindInvalidRequest, Message: "no such charge " + chargeID}
	}
	md := f.metadata[chargeID]
	if md == nil {
		md = make(map[string]string)
		f.metadata[chargeID] = md
	}
	for k, v := range metadata {
		md[k] = v
	}
	return nil
}
