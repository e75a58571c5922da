package planner

import (
	"context"
	"errors"
	"time"

	"github.com/warp/valueledger/allocation"
	"github.com/warp/valueledger/ledger"
)

// =============================================================================
// SOURCE RESOLUTION
// =============================================================================

type resolved struct {
	sources  []allocation.Source
	attaches []Attach
}

// resolveSources turns request parties into concrete allocation sources.
//
// Explicit valueId/code sources that can not be used fail the request.
// Values reached through a contactId are filtered silently instead.
// A generic code needs a contactId source in the same request; the
// per-contact value is reused when it exists and attached otherwise.
func (p *Planner) resolveSources(ctx context.Context, txID, currency string, parties []ledger.Party, now time.Time) (*resolved, error) {
	contactID := ""
	for _, party := range parties {
		if err := party.Validate(); err != nil {
			return nil, ledger.Wrap(ledger.CodeInvalidParty, err, "invalid source")
		}
		if party.Rail == ledger.RailLightrail && party.Lightrail.ContactID != "" {
			if contactID != "" && contactID != party.Lightrail.ContactID {
				return nil, ledger.Errorf(ledger.CodeInvalidParty, "only one contactId source is allowed")
			}
			contactID = party.Lightrail.ContactID
		}
	}
	if contactID != "" {
		if _, err := p.store.GetContact(ctx, contactID); err != nil {
			return nil, err
		}
	}

	out := &resolved{}
	seenValues := make(map[string]bool)
	seenInternal := make(map[string]bool)
	addValue := func(idx int, v *ledger.Value) {
		seenValues[v.ID] = true
		out.sources = append(out.sources, allocation.Source{
			Index:          idx,
			Rail:           ledger.RailLightrail,
			Value:          v,
			GenericDerived: v.AttachedFromValueID != "",
		})
	}

	for idx, party := range parties {
		switch party.Rail {
		case ledger.RailLightrail:
			lp := party.Lightrail
			switch {
			case lp.ContactID != "":
				values, err := p.store.ListContactValues(ctx, lp.ContactID)
				if err != nil {
					return nil, err
				}
				for i := range values {
					v := values[i]
					if seenValues[v.ID] || v.IsGenericCode || !v.CanSpend() {
						continue
					}
					if ledger.CheckUsable(&v, currency, now, ledger.CheckAll) != nil {
						continue
					}
					addValue(idx, &v)
				}

			default:
				v, err := p.lookupParty(ctx, lp)
				if err != nil {
					return nil, err
				}
				if v.IsGenericCode {
					if contactID == "" {
						return nil, ledger.Errorf(ledger.CodeInvalidParty,
							"generic code %s needs a contactId source to attach to", ledger.LastFour(v.Code))
					}
					derived, attach, err := p.attachedValue(ctx, "", v, contactID, currency, now)
					if err != nil {
						return nil, err
					}
					if attach != nil {
						out.attaches = append(out.attaches, *attach)
					}
					v = derived
				}
				if seenValues[v.ID] {
					continue
				}
				if err := ledger.CheckUsable(v, currency, now, ledger.CheckAll); err != nil {
					return nil, err
				}
				addValue(idx, v)
			}

		case ledger.RailStripe:
			out.sources = append(out.sources, allocation.Source{Index: idx, Rail: ledger.RailStripe, Stripe: party.Stripe})

		case ledger.RailInternal:
			if seenInternal[party.Internal.InternalID] {
				return nil, ledger.Errorf(ledger.CodeInvalidParty, "internal source %s listed twice", party.Internal.InternalID)
			}
			seenInternal[party.Internal.InternalID] = true
			out.sources = append(out.sources, allocation.Source{Index: idx, Rail: ledger.RailInternal, Internal: party.Internal})
		}
	}
	return out, nil
}

// lookupParty resolves a valueId or code party.
func (p *Planner) lookupParty(ctx context.Context, lp *ledger.LightrailParty) (*ledger.Value, error) {
	var (
		v   *ledger.Value
		err error
	)
	if lp.ValueID != "" {
		v, err = p.store.GetValue(ctx, lp.ValueID)
	} else {
		v, err = p.store.GetValueByCode(ctx, lp.Code)
	}
	if errors.Is(err, ledger.ErrValueNotFound) {
		if lp.ValueID != "" {
			return nil, ledger.Errorf(ledger.CodeInvalidParty, "value %s not found", lp.ValueID)
		}
		return nil, ledger.Errorf(ledger.CodeInvalidParty, "code %s not found", ledger.LastFour(lp.Code))
	}
	return v, err
}

// lookupSingle resolves a debit/credit/transfer lightrail party. contactId
// is not a single value and is rejected here.
func (p *Planner) lookupSingle(ctx context.Context, party ledger.Party, role string) (*ledger.Value, error) {
	if err := party.Validate(); err != nil {
		return nil, ledger.Wrap(ledger.CodeInvalidParty, err, "invalid %s", role)
	}
	if party.Rail != ledger.RailLightrail || party.Lightrail.ContactID != "" {
		return nil, ledger.Errorf(ledger.CodeInvalidParty, "%s must be a lightrail valueId or code", role)
	}
	v, err := p.lookupParty(ctx, party.Lightrail)
	if err != nil {
		return nil, err
	}
	if v.IsGenericCode {
		return nil, ledger.Errorf(ledger.CodeInvalidParty, "%s can not be a generic code", role)
	}
	return v, nil
}

// =============================================================================
// GENERIC CODE ATTACHMENT
// =============================================================================

// attachedValue returns the value contactID holds for the generic value,
// and the Attach that creates it when it does not exist yet. createdBy is
// empty when the attach happens implicitly during a checkout.
func (p *Planner) attachedValue(ctx context.Context, createdBy string, generic *ledger.Value, contactID, currency string, now time.Time) (*ledger.Value, *Attach, error) {
	id := AttachedValueID(generic.ID, contactID)
	existing, err := p.store.GetValue(ctx, id)
	if err == nil {
		return existing, nil, nil
	}
	if !errors.Is(err, ledger.ErrValueNotFound) {
		return nil, nil, err
	}

	if err := ledger.CheckUsable(generic, currency, now, ledger.CheckAll); err != nil {
		return nil, nil, err
	}
	a, err := buildAttach(generic, contactID, createdBy, now)
	if err != nil {
		return nil, nil, err
	}
	derived := a.Derived
	return &derived, a, nil
}

func buildAttach(generic *ledger.Value, contactID, createdBy string, now time.Time) (*Attach, error) {
	var template ledger.PerContact
	if generic.GenericCodeOptions != nil {
		template = generic.GenericCodeOptions.PerContact
	}

	a := &Attach{Generic: *generic}
	if generic.Balance != nil && template.Balance != nil {
		if *generic.Balance < *template.Balance {
			return nil, ledger.Errorf(ledger.CodeInsufficientBalance,
				"generic value %s can not fund another attachment", generic.ID)
		}
		a.BalanceDelta = -*template.Balance
	}
	if generic.UsesRemaining != nil {
		if *generic.UsesRemaining < 1 {
			return nil, ledger.Errorf(ledger.CodeInsufficientUsesRemaining,
				"generic value %s has no uses remaining", generic.ID)
		}
		a.UsesDelta = -1
	}

	derived := ledger.Value{
		ID:                  AttachedValueID(generic.ID, contactID),
		Currency:            generic.Currency,
		BalanceRule:         generic.BalanceRule,
		RedemptionRule:      generic.RedemptionRule,
		Discount:            generic.Discount,
		Pretax:              generic.Pretax,
		Active:              true,
		StartDate:           generic.StartDate,
		EndDate:             generic.EndDate,
		ContactID:           contactID,
		AttachedFromValueID: generic.ID,
		Metadata:            generic.Metadata,
		CreatedDate:         now,
		UpdatedDate:         now,
		CreatedBy:           createdBy,
	}
	if template.Balance != nil {
		derived.Balance = ledger.Int64(*template.Balance)
	}
	if template.UsesRemaining != nil {
		derived.UsesRemaining = ledger.Int64(*template.UsesRemaining)
	}
	a.Derived = derived

	genericStep := lightrailStep(generic, a.BalanceDelta, a.UsesDelta)
	derivedStep := ledger.LightrailStep{ValueID: derived.ID, ContactID: contactID}
	if derived.Balance != nil {
		derivedStep.BalanceBefore = ledger.Int64(0)
		derivedStep.BalanceAfter = ledger.Int64(*derived.Balance)
		derivedStep.BalanceChange = ledger.Int64(*derived.Balance)
	}
	if derived.UsesRemaining != nil {
		derivedStep.UsesRemainingBefore = ledger.Int64(0)
		derivedStep.UsesRemainingAfter = ledger.Int64(*derived.UsesRemaining)
		derivedStep.UsesRemainingChange = ledger.Int64(*derived.UsesRemaining)
	}

	a.Transaction = ledger.Transaction{
		ID:                derived.ID,
		RootTransactionID: derived.ID,
		Type:              ledger.TxAttach,
		Currency:          generic.Currency,
		Steps:             []ledger.Step{ledger.NewLightrailStep(genericStep), ledger.NewLightrailStep(derivedStep)},
		CreatedDate:       now,
		CreatedBy:         createdBy,
		Metadata:          map[string]any{"contactId": contactID, "genericValueId": generic.ID},
	}
	return a, nil
}
