package ledger

import "time"

// StateCheck selects which value-state rules apply to a mutation.
type StateCheck int

const (
	// CheckAll applies every state and date rule. Used for new money movement.
	CheckAll StateCheck = iota
	// CheckFrozenOnly blocks frozen values only. Used by reverse.
	CheckFrozenOnly
	// CheckNone skips state rules. Used by void and capture.
	CheckNone
)

// CheckUsable reports whether v may take part in a transaction in currency
// at now. An empty currency skips the currency comparison.
func CheckUsable(v *Value, currency string, now time.Time, mode StateCheck) error {
	if currency != "" && v.Currency != currency {
		return Errorf(CodeWrongCurrency, "value %s is in %s, transaction is in %s", v.ID, v.Currency, currency).
			WithDetail("valueId", v.ID)
	}
	switch mode {
	case CheckNone:
		return nil
	case CheckFrozenOnly:
		if v.Frozen {
			return Errorf(CodeValueFrozen, "value %s is frozen", v.ID).WithDetail("valueId", v.ID)
		}
		return nil
	}

	if v.Frozen {
		return Errorf(CodeValueFrozen, "value %s is frozen", v.ID).WithDetail("valueId", v.ID)
	}
	if v.Canceled {
		return Errorf(CodeValueCanceled, "value %s is canceled", v.ID).WithDetail("valueId", v.ID)
	}
	if !v.Active {
		return Errorf(CodeValueInactive, "value %s is not active", v.ID).WithDetail("valueId", v.ID)
	}
	if v.StartDate != nil && now.Before(*v.StartDate) {
		return Errorf(CodeValueNotStarted, "value %s has not started yet", v.ID).WithDetail("valueId", v.ID)
	}
	if v.EndDate != nil && !now.Before(*v.EndDate) {
		return Errorf(CodeValueEnded, "value %s has ended", v.ID).WithDetail("valueId", v.ID)
	}
	return nil
}

// CanSpend is true when v has uses left (or does not track them).
func (v *Value) CanSpend() bool {
	return v.UsesRemaining == nil || *v.UsesRemaining > 0
}
