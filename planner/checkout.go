package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/valueledger/allocation"
	"github.com/warp/valueledger/ledger"
)

// PlanCheckout prices a cart and splits it across the request's sources.
//
// Steps are emitted in application order: value debits and discounts,
// internal debits, then card charges. Generic code attachments needed by
// the checkout are planned alongside and executed first.
func (p *Planner) PlanCheckout(ctx context.Context, req CheckoutRequest) (*Plan, error) {
	if err := validateID("id", req.ID); err != nil {
		return nil, err
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	if err := validateLineItems(req.LineItems); err != nil {
		return nil, err
	}

	now := p.now()
	res, err := p.resolveSources(ctx, req.ID, req.Currency, req.Sources, now)
	if err != nil {
		return nil, err
	}

	hasStripe := false
	for _, s := range res.sources {
		if s.Rail == ledger.RailStripe {
			hasStripe = true
		}
	}
	pending, voidDate, err := p.pendingWindow(req.Pending, hasStripe, now)
	if err != nil {
		return nil, err
	}

	alloc, err := allocation.Allocate(req.LineItems, res.sources, allocation.Options{
		Rules:          p.rules,
		Metadata:       req.Metadata,
		AllowRemainder: req.AllowRemainder,
		StripeMinimum:  p.cfg.StripeMinimum,
	})
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Attaches:   res.attaches,
		StateCheck: ledger.CheckAll,
		Simulate:   req.Simulate,
	}
	totals := alloc.Totals
	tx := ledger.Transaction{
		ID:                req.ID,
		RootTransactionID: req.ID,
		Type:              ledger.TxCheckout,
		Currency:          req.Currency,
		Totals:            &totals,
		LineItems:         alloc.LineItems,
		PaymentSources:    sanitize(req.Sources),
		Pending:           pending,
		PendingVoidDate:   voidDate,
		Metadata:          req.Metadata,
		CreatedDate:       now,
	}

	for _, c := range alloc.Contributions {
		idx := len(tx.Steps)
		switch c.Source.Rail {
		case ledger.RailLightrail:
			v := c.Source.Value
			step := lightrailStep(v, -c.Amount, -c.UsesConsumed)
			tx.Steps = append(tx.Steps, ledger.NewLightrailStep(step))
			plan.Mutations = append(plan.Mutations, mutationFor(idx, v, -c.Amount, -c.UsesConsumed))

		case ledger.RailInternal:
			in := c.Source.Internal
			tx.Steps = append(tx.Steps, ledger.NewInternalStep(ledger.InternalStep{
				InternalID:      in.InternalID,
				BalanceBefore:   in.Balance,
				BalanceAfter:    in.Balance - c.Amount,
				BalanceChange:   -c.Amount,
				Pretax:          in.Pretax,
				BeforeLightrail: in.BeforeLightrail,
			}))

		case ledger.RailStripe:
			if c.Amount == 0 {
				continue
			}
			key := idempotencyKey(req.ID, idx)
			tx.Steps = append(tx.Steps, ledger.NewStripeStep(ledger.StripeStep{
				Operation:      ledger.StripeCharge,
				Amount:         -c.Amount,
				IdempotencyKey: key,
			}))
			plan.Cards = append(plan.Cards, CardAction{
				StepIndex:        idx,
				Operation:        ledger.StripeCharge,
				Amount:           c.Amount,
				Currency:         strings.ToLower(req.Currency),
				Source:           c.Source.Stripe.Source,
				Customer:         c.Source.Stripe.Customer,
				Capture:          !pending,
				IdempotencyKey:   key,
				AdditionalParams: c.Source.Stripe.AdditionalParams,
			})

		default:
			panic(fmt.Sprintf("planner: unknown rail %q", c.Source.Rail))
		}
	}

	plan.Transaction = tx
	return plan, nil
}

// pendingWindow validates a pending request and returns the void date.
func (p *Planner) pendingWindow(req *Pending, hasStripe bool, now time.Time) (bool, *time.Time, error) {
	if req == nil || !req.Enabled {
		return false, nil, nil
	}
	d := req.Duration
	if d == 0 {
		d = p.cfg.DefaultPendingDuration
	}
	limit := p.cfg.MaxPendingDuration
	if hasStripe && p.cfg.MaxStripePendingDuration > 0 && p.cfg.MaxStripePendingDuration < limit {
		limit = p.cfg.MaxStripePendingDuration
	}
	if d <= 0 || d > limit {
		return false, nil, ledger.Errorf(ledger.CodeInvalidPendingDuration,
			"pending duration %s must be greater than 0 and at most %s", d, limit)
	}
	voidDate := now.Add(d)
	return true, &voidDate, nil
}

// maxCartAmount bounds the cart subtotal so that line totals, tax and
// the per-source arithmetic stay far inside int64.
const maxCartAmount int64 = 1_000_000_000_000_000

func validateLineItems(items []ledger.LineItem) error {
	if len(items) == 0 {
		return ledger.Errorf(ledger.CodeInvalidRequest, "lineItems must not be empty")
	}
	var total int64
	for i, li := range items {
		if li.UnitPrice < 0 || li.Quantity < 0 || li.TaxRate.IsNegative() {
			return ledger.Errorf(ledger.CodeInvalidRequest, "lineItems[%d] has a negative price, quantity or tax rate", i)
		}
		if li.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
			return ledger.Errorf(ledger.CodeInvalidRequest, "lineItems[%d] taxRate must be at most 1", i)
		}
		qty := li.Quantity
		if qty == 0 {
			qty = 1
		}
		if li.UnitPrice > 0 && qty > (maxCartAmount-total)/li.UnitPrice {
			return ledger.Errorf(ledger.CodeInvalidRequest, "lineItems total exceeds %d", maxCartAmount).
				WithDetail("lineItem", i)
		}
		total += li.UnitPrice * qty
	}
	return nil
}
