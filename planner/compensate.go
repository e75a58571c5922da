package planner

import (
	"context"
	"fmt"

	"github.com/warp/valueledger/chain"
	"github.com/warp/valueledger/ledger"
)

// PlanReverse undoes every step of a root transaction.
func (p *Planner) PlanReverse(ctx context.Context, req CompensationRequest) (*Plan, error) {
	return p.planCompensation(ctx, req, ledger.TxReverse)
}

// PlanVoid undoes a pending root transaction.
func (p *Planner) PlanVoid(ctx context.Context, req CompensationRequest) (*Plan, error) {
	return p.planCompensation(ctx, req, ledger.TxVoid)
}

// PlanCapture finalizes a pending root transaction. Balances already moved
// when it was created, so value steps are placeholders and card charges are
// captured.
func (p *Planner) PlanCapture(ctx context.Context, req CompensationRequest) (*Plan, error) {
	return p.planCompensation(ctx, req, ledger.TxCapture)
}

func (p *Planner) planCompensation(ctx context.Context, req CompensationRequest, kind ledger.TransactionType) (*Plan, error) {
	if err := validateID("id", req.ID); err != nil {
		return nil, err
	}
	now := p.now()
	target, err := p.store.GetTransaction(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if !target.IsRoot() {
		return nil, ledger.Errorf(ledger.CodeTransactionNotReversible,
			"transaction %s is not the root of its chain; use %s", target.ID, target.RootTransactionID)
	}
	txChain, err := p.store.GetChain(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if err := chain.Validate(txChain, kind, now, chain.Options{AllowExpired: req.AllowExpired}); err != nil {
		return nil, err
	}

	plan := &Plan{
		Simulate:     req.Simulate,
		ChainRoot:    target.ID,
		AllowExpired: req.AllowExpired,
	}
	tx := ledger.Transaction{
		ID:          req.ID,
		Type:        kind,
		Currency:    target.Currency,
		Metadata:    req.Metadata,
		CreatedDate: now,
	}
	switch kind {
	case ledger.TxReverse:
		plan.StateCheck = ledger.CheckFrozenOnly
		tx.Totals = target.Totals.Negate()
	case ledger.TxVoid:
		plan.StateCheck = ledger.CheckNone
		tx.Totals = target.Totals.Negate()
	case ledger.TxCapture:
		plan.StateCheck = ledger.CheckNone
	}

	for _, orig := range target.Steps {
		idx := len(tx.Steps)
		switch orig.Rail {
		case ledger.RailLightrail:
			v, err := p.store.GetValue(ctx, orig.Lightrail.ValueID)
			if err != nil {
				return nil, err
			}
			if kind == ledger.TxCapture {
				tx.Steps = append(tx.Steps, ledger.NewLightrailStep(lightrailStep(v, 0, 0)))
				continue
			}
			bd := -ledger.Int64Value(orig.Lightrail.BalanceChange)
			ud := -ledger.Int64Value(orig.Lightrail.UsesRemainingChange)
			if v.Balance != nil && *v.Balance+bd < 0 {
				return nil, ledger.Errorf(ledger.CodeInsufficientBalance,
					"value %s no longer holds the %d this %s would remove", v.ID, -bd, kind).WithDetail("valueId", v.ID)
			}
			if v.UsesRemaining != nil && *v.UsesRemaining+ud < 0 {
				return nil, ledger.Errorf(ledger.CodeInsufficientUsesRemaining,
					"value %s no longer holds the uses this %s would remove", v.ID, kind).WithDetail("valueId", v.ID)
			}
			tx.Steps = append(tx.Steps, ledger.NewLightrailStep(lightrailStep(v, bd, ud)))
			plan.Mutations = append(plan.Mutations, mutationFor(idx, v, bd, ud))

		case ledger.RailInternal:
			in := *orig.Internal
			if kind == ledger.TxCapture {
				in.BalanceBefore = in.BalanceAfter
				in.BalanceChange = 0
			} else {
				in.BalanceBefore, in.BalanceAfter = in.BalanceAfter, in.BalanceBefore
				in.BalanceChange = -in.BalanceChange
			}
			tx.Steps = append(tx.Steps, ledger.NewInternalStep(in))

		case ledger.RailStripe:
			if orig.Stripe.Operation != ledger.StripeCharge || orig.Stripe.ChargeID == "" {
				continue
			}
			key := idempotencyKey(req.ID, idx)
			action := CardAction{
				StepIndex:      idx,
				Currency:       target.Currency,
				ChargeID:       orig.Stripe.ChargeID,
				IdempotencyKey: key,
			}
			step := ledger.StripeStep{ChargeID: orig.Stripe.ChargeID, IdempotencyKey: key}
			if kind == ledger.TxCapture {
				action.Operation = ledger.StripeCapture
				step.Operation = ledger.StripeCapture
			} else {
				action.Operation = ledger.StripeRefund
				action.Amount = -orig.Stripe.Amount
				step.Operation = ledger.StripeRefund
				step.Amount = -orig.Stripe.Amount
			}
			tx.Steps = append(tx.Steps, ledger.NewStripeStep(step))
			plan.Cards = append(plan.Cards, action)

		default:
			panic(fmt.Sprintf("planner: unknown rail %q", orig.Rail))
		}
	}

	plan.Transaction = tx
	return plan, nil
}
