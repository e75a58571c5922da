package planner

import (
	"context"
	"errors"

	"github.com/warp/valueledger/ledger"
)

// PlanInitialBalance creates a value and the initialBalance transaction
// that records its starting balance.
func (p *Planner) PlanInitialBalance(ctx context.Context, req CreateValueRequest) (*Plan, error) {
	if err := validateID("id", req.ID); err != nil {
		return nil, err
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	txID := req.TransactionID
	if txID == "" {
		txID = req.ID
	}
	if err := validateID("transactionId", txID); err != nil {
		return nil, err
	}
	if (req.Balance != nil && *req.Balance < 0) || (req.UsesRemaining != nil && *req.UsesRemaining < 0) {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "balance and usesRemaining must not be negative")
	}
	if req.Balance != nil && req.BalanceRule != nil {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "balance and balanceRule can not both be set")
	}
	if req.StartDate != nil && req.EndDate != nil && !req.StartDate.Before(*req.EndDate) {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "startDate must be before endDate")
	}
	for _, r := range []*ledger.Rule{req.BalanceRule, req.RedemptionRule} {
		if r == nil {
			continue
		}
		if err := p.rules.Validate(r.Rule); err != nil {
			return nil, ledger.Wrap(ledger.CodeInvalidRule, err, "rule %q does not compile", r.Rule).
				WithDetail("rule", r.Rule)
		}
	}
	if req.IsGenericCode {
		if req.Code == "" {
			return nil, ledger.Errorf(ledger.CodeInvalidRequest, "a generic value needs a code")
		}
		if req.ContactID != "" {
			return nil, ledger.Errorf(ledger.CodeInvalidRequest, "a generic value can not belong to a contact")
		}
	} else if req.GenericCodeOptions != nil {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "genericCodeOptions needs isGenericCode")
	}

	if _, err := p.store.GetValue(ctx, req.ID); err == nil {
		return nil, ledger.Errorf(ledger.CodeValueExists, "value %s already exists", req.ID)
	} else if !errors.Is(err, ledger.ErrValueNotFound) {
		return nil, err
	}
	if req.Code != "" {
		if _, err := p.store.GetValueByCode(ctx, req.Code); err == nil {
			return nil, ledger.Errorf(ledger.CodeValueExists, "code %s is already in use", ledger.LastFour(req.Code))
		} else if !errors.Is(err, ledger.ErrValueNotFound) {
			return nil, err
		}
	}
	if req.ContactID != "" {
		if _, err := p.store.GetContact(ctx, req.ContactID); err != nil {
			return nil, err
		}
	}

	now := p.now()
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	v := ledger.Value{
		ID:                 req.ID,
		Currency:           req.Currency,
		Balance:            req.Balance,
		UsesRemaining:      req.UsesRemaining,
		BalanceRule:        req.BalanceRule,
		RedemptionRule:     req.RedemptionRule,
		Discount:           req.Discount,
		Pretax:             req.Pretax,
		Active:             active,
		Frozen:             req.Frozen,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		Code:               req.Code,
		IsGenericCode:      req.IsGenericCode,
		GenericCodeOptions: req.GenericCodeOptions,
		ContactID:          req.ContactID,
		Metadata:           req.Metadata,
		CreatedDate:        now,
		UpdatedDate:        now,
		CreatedBy:          req.CreatedBy,
	}

	step := ledger.LightrailStep{ValueID: v.ID, ContactID: v.ContactID, Code: ledger.LastFour(v.Code)}
	if v.Balance != nil {
		step.BalanceBefore = ledger.Int64(0)
		step.BalanceAfter = ledger.Int64(*v.Balance)
		step.BalanceChange = ledger.Int64(*v.Balance)
	}
	if v.UsesRemaining != nil {
		step.UsesRemainingBefore = ledger.Int64(0)
		step.UsesRemainingAfter = ledger.Int64(*v.UsesRemaining)
		step.UsesRemainingChange = ledger.Int64(*v.UsesRemaining)
	}

	return &Plan{
		Transaction: ledger.Transaction{
			ID:                txID,
			RootTransactionID: txID,
			Type:              ledger.TxInitialBalance,
			Currency:          v.Currency,
			Steps:             []ledger.Step{ledger.NewLightrailStep(step)},
			CreatedDate:       now,
			CreatedBy:         req.CreatedBy,
		},
		NewValues:  []ledger.Value{v},
		StateCheck: ledger.CheckNone,
	}, nil
}

// PlanAttach attaches a generic value to a contact. When the contact
// already holds the derived value the plan carries it in Existing and
// has nothing to execute.
func (p *Planner) PlanAttach(ctx context.Context, req AttachRequest) (*Plan, error) {
	if err := validateID("contactId", req.ContactID); err != nil {
		return nil, err
	}
	if (req.Code == "") == (req.ValueID == "") {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "exactly one of code or valueId is required")
	}
	if _, err := p.store.GetContact(ctx, req.ContactID); err != nil {
		return nil, err
	}

	var (
		generic *ledger.Value
		err     error
	)
	if req.ValueID != "" {
		generic, err = p.store.GetValue(ctx, req.ValueID)
	} else {
		generic, err = p.store.GetValueByCode(ctx, req.Code)
	}
	if err != nil {
		return nil, err
	}
	if !generic.IsGenericCode {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "value %s is not a generic code", generic.ID)
	}

	now := p.now()
	derived, attach, err := p.attachedValue(ctx, req.CreatedBy, generic, req.ContactID, "", now)
	if err != nil {
		return nil, err
	}
	if attach == nil {
		return &Plan{Existing: derived, StateCheck: ledger.CheckAll}, nil
	}
	return &Plan{
		Transaction: attach.Transaction,
		Attaches:    []Attach{*attach},
		StateCheck:  ledger.CheckAll,
	}, nil
}
