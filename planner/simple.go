package planner

import (
	"context"
	"strings"
	"time"

	"github.com/warp/valueledger/ledger"
)

// PlanDebit takes an amount and/or uses from one value.
func (p *Planner) PlanDebit(ctx context.Context, req DebitRequest) (*Plan, error) {
	if err := validateSimple(req.ID, req.Currency, req.Amount, req.Uses); err != nil {
		return nil, err
	}
	now := p.now()
	v, err := p.lookupSingle(ctx, req.Source, "source")
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckUsable(v, req.Currency, now, ledger.CheckAll); err != nil {
		return nil, err
	}

	amount, amountRemainder, err := debitAmount(v, ledger.Int64Value(req.Amount), req.Amount != nil, req.AllowRemainder)
	if err != nil {
		return nil, err
	}
	uses, err := debitUses(v, req.Uses, req.AllowRemainder)
	if err != nil {
		return nil, err
	}

	pending, voidDate, err := p.pendingWindow(req.Pending, false, now)
	if err != nil {
		return nil, err
	}

	tx := p.singleValueTx(req.ID, ledger.TxDebit, req.Currency, req.Metadata, now)
	tx.Steps = []ledger.Step{ledger.NewLightrailStep(lightrailStep(v, -amount, -uses))}
	tx.Pending = pending
	tx.PendingVoidDate = voidDate
	if amountRemainder > 0 {
		tx.Totals = &ledger.Totals{Remainder: amountRemainder}
	}
	return &Plan{
		Transaction: tx,
		Mutations:   []Mutation{mutationFor(0, v, -amount, -uses)},
		StateCheck:  ledger.CheckAll,
		Simulate:    req.Simulate,
	}, nil
}

// PlanCredit adds an amount and/or uses to one value.
func (p *Planner) PlanCredit(ctx context.Context, req CreditRequest) (*Plan, error) {
	if err := validateSimple(req.ID, req.Currency, req.Amount, req.Uses); err != nil {
		return nil, err
	}
	now := p.now()
	v, err := p.lookupSingle(ctx, req.Destination, "destination")
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckUsable(v, req.Currency, now, ledger.CheckAll); err != nil {
		return nil, err
	}

	var amount, uses int64
	if req.Amount != nil {
		if v.Balance == nil {
			return nil, ledger.Errorf(ledger.CodeNullBalance, "value %s does not track a balance", v.ID).WithDetail("valueId", v.ID)
		}
		amount = *req.Amount
	}
	if req.Uses != nil {
		if v.UsesRemaining == nil {
			return nil, ledger.Errorf(ledger.CodeNullUses, "value %s does not track usesRemaining", v.ID).WithDetail("valueId", v.ID)
		}
		uses = *req.Uses
	}

	tx := p.singleValueTx(req.ID, ledger.TxCredit, req.Currency, req.Metadata, now)
	tx.Steps = []ledger.Step{ledger.NewLightrailStep(lightrailStep(v, amount, uses))}
	return &Plan{
		Transaction: tx,
		Mutations:   []Mutation{mutationFor(0, v, amount, uses)},
		StateCheck:  ledger.CheckAll,
		Simulate:    req.Simulate,
	}, nil
}

// PlanTransfer moves an amount from a value or a card into a value.
func (p *Planner) PlanTransfer(ctx context.Context, req TransferRequest) (*Plan, error) {
	if err := validateID("id", req.ID); err != nil {
		return nil, err
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "amount must be greater than 0")
	}
	now := p.now()

	dest, err := p.lookupSingle(ctx, req.Destination, "destination")
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckUsable(dest, req.Currency, now, ledger.CheckAll); err != nil {
		return nil, err
	}
	if dest.Balance == nil {
		return nil, ledger.Errorf(ledger.CodeNullBalance, "value %s does not track a balance", dest.ID).WithDetail("valueId", dest.ID)
	}

	tx := p.singleValueTx(req.ID, ledger.TxTransfer, req.Currency, req.Metadata, now)
	tx.PaymentSources = sanitize([]ledger.Party{req.Source})
	plan := &Plan{StateCheck: ledger.CheckAll, Simulate: req.Simulate}

	var moved, remainder int64
	switch {
	case req.Source.Rail == ledger.RailStripe:
		if err := req.Source.Validate(); err != nil {
			return nil, ledger.Wrap(ledger.CodeInvalidParty, err, "invalid source")
		}
		sp := req.Source.Stripe
		moved = req.Amount
		if sp.MaxAmount != nil && moved > *sp.MaxAmount {
			if !req.AllowRemainder {
				return nil, ledger.Errorf(ledger.CodeInsufficientBalance,
					"transfer of %d exceeds the card maxAmount %d", req.Amount, *sp.MaxAmount)
			}
			moved = *sp.MaxAmount
			remainder = req.Amount - moved
		}
		minimum := p.cfg.StripeMinimum
		if sp.MinAmount != nil {
			minimum = *sp.MinAmount
		}
		if moved < minimum {
			return nil, ledger.Errorf(ledger.CodeStripeAmountTooSmall,
				"card amount %d is below the minimum of %d", moved, minimum).WithDetail("amount", moved)
		}
		key := idempotencyKey(req.ID, 0)
		tx.Steps = append(tx.Steps, ledger.NewStripeStep(ledger.StripeStep{
			Operation:      ledger.StripeCharge,
			Amount:         -moved,
			IdempotencyKey: key,
		}))
		plan.Cards = append(plan.Cards, CardAction{
			StepIndex:        0,
			Operation:        ledger.StripeCharge,
			Amount:           moved,
			Currency:         strings.ToLower(req.Currency),
			Source:           sp.Source,
			Customer:         sp.Customer,
			Capture:          true,
			IdempotencyKey:   key,
			AdditionalParams: sp.AdditionalParams,
		})

	default:
		src, err := p.lookupSingle(ctx, req.Source, "source")
		if err != nil {
			return nil, err
		}
		if src.ID == dest.ID {
			return nil, ledger.Errorf(ledger.CodeInvalidRequest, "source and destination must be different values")
		}
		if err := ledger.CheckUsable(src, req.Currency, now, ledger.CheckAll); err != nil {
			return nil, err
		}
		moved, remainder, err = debitAmount(src, req.Amount, true, req.AllowRemainder)
		if err != nil {
			return nil, err
		}
		tx.Steps = append(tx.Steps, ledger.NewLightrailStep(lightrailStep(src, -moved, 0)))
		plan.Mutations = append(plan.Mutations, mutationFor(0, src, -moved, 0))
	}

	idx := len(tx.Steps)
	tx.Steps = append(tx.Steps, ledger.NewLightrailStep(lightrailStep(dest, moved, 0)))
	plan.Mutations = append(plan.Mutations, mutationFor(idx, dest, moved, 0))
	if remainder > 0 {
		tx.Totals = &ledger.Totals{Remainder: remainder}
	}
	plan.Transaction = tx
	return plan, nil
}

func (p *Planner) singleValueTx(id string, kind ledger.TransactionType, currency string, metadata map[string]any, now time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:                id,
		RootTransactionID: id,
		Type:              kind,
		Currency:          currency,
		Metadata:          metadata,
		CreatedDate:       now,
	}
}

func validateSimple(id, currency string, amount, uses *int64) error {
	if err := validateID("id", id); err != nil {
		return err
	}
	if err := validateCurrency(currency); err != nil {
		return err
	}
	if amount == nil && uses == nil {
		return ledger.Errorf(ledger.CodeInvalidRequest, "one of amount or uses is required")
	}
	if (amount != nil && *amount < 0) || (uses != nil && *uses < 0) {
		return ledger.Errorf(ledger.CodeInvalidRequest, "amount and uses must not be negative")
	}
	return nil
}

// debitAmount returns how much of want v can give, and the unpaid rest.
func debitAmount(v *ledger.Value, want int64, requested, allowRemainder bool) (int64, int64, error) {
	if !requested {
		return 0, 0, nil
	}
	if v.Balance == nil {
		return 0, 0, ledger.Errorf(ledger.CodeNullBalance, "value %s does not track a balance", v.ID).WithDetail("valueId", v.ID)
	}
	if want <= *v.Balance {
		return want, 0, nil
	}
	if !allowRemainder {
		return 0, 0, ledger.Errorf(ledger.CodeInsufficientBalance,
			"value %s has balance %d, %d requested", v.ID, *v.Balance, want).
			WithDetail("valueId", v.ID).WithDetail("balance", *v.Balance)
	}
	return *v.Balance, want - *v.Balance, nil
}

func debitUses(v *ledger.Value, want *int64, allowRemainder bool) (int64, error) {
	if want == nil {
		return 0, nil
	}
	if v.UsesRemaining == nil {
		return 0, ledger.Errorf(ledger.CodeNullUses, "value %s does not track usesRemaining", v.ID).WithDetail("valueId", v.ID)
	}
	if *want <= *v.UsesRemaining {
		return *want, nil
	}
	if !allowRemainder {
		return 0, ledger.Errorf(ledger.CodeInsufficientUsesRemaining,
			"value %s has %d uses remaining, %d requested", v.ID, *v.UsesRemaining, *want).
			WithDetail("valueId", v.ID).WithDetail("usesRemaining", *v.UsesRemaining)
	}
	return *v.UsesRemaining, nil
}
