package ledger

import (
	"encoding/json"
	"fmt"
)

// Rail is the settlement channel of a step or payment source.
type Rail string

const (
	RailLightrail Rail = "lightrail"
	RailStripe    Rail = "stripe"
	RailInternal  Rail = "internal"
)

// =============================================================================
// STEP - tagged union over rails
// =============================================================================

// Step is one rail-specific effect within a transaction. Exactly one of
// Lightrail, Stripe or Internal is set, matching Rail.
type Step struct {
	Rail      Rail
	Lightrail *LightrailStep
	Stripe    *StripeStep
	Internal  *InternalStep
}

// LightrailStep changes a stored Value.
type LightrailStep struct {
	ValueID             string `json:"valueId"`
	ContactID           string `json:"contactId,omitempty"`
	Code                string `json:"code,omitempty"`
	BalanceBefore       *int64 `json:"balanceBefore"`
	BalanceAfter        *int64 `json:"balanceAfter"`
	BalanceChange       *int64 `json:"balanceChange"`
	UsesRemainingBefore *int64 `json:"usesRemainingBefore"`
	UsesRemainingAfter  *int64 `json:"usesRemainingAfter"`
	UsesRemainingChange *int64 `json:"usesRemainingChange"`
}

// StripeOperation is the card processor call a stripe step records.
type StripeOperation string

const (
	StripeCharge  StripeOperation = "charge"
	StripeRefund  StripeOperation = "refund"
	StripeCapture StripeOperation = "capture"
)

// StripeStep records a card processor call. Amount is negative for charges
// and positive for refunds.
type StripeStep struct {
	Operation      StripeOperation `json:"operation"`
	Amount         int64           `json:"amount"`
	ChargeID       string          `json:"chargeId,omitempty"`
	RefundID       string          `json:"refundId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Charge         map[string]any  `json:"charge,omitempty"`
}

// InternalStep records a change to a balance the ledger does not own.
type InternalStep struct {
	InternalID      string `json:"internalId"`
	BalanceBefore   int64  `json:"balanceBefore"`
	BalanceAfter    int64  `json:"balanceAfter"`
	BalanceChange   int64  `json:"balanceChange"`
	Pretax          bool   `json:"pretax,omitempty"`
	BeforeLightrail bool   `json:"beforeLightrail,omitempty"`
}

// NewLightrailStep wraps s in a Step.
func NewLightrailStep(s LightrailStep) Step {
	return Step{Rail: RailLightrail, Lightrail: &s}
}

// NewStripeStep wraps s in a Step.
func NewStripeStep(s StripeStep) Step {
	return Step{Rail: RailStripe, Stripe: &s}
}

// NewInternalStep wraps s in a Step.
func NewInternalStep(s InternalStep) Step {
	return Step{Rail: RailInternal, Internal: &s}
}

// NetChange is the signed money movement of the step.
func (s Step) NetChange() int64 {
	switch s.Rail {
	case RailLightrail:
		return Int64Value(s.Lightrail.BalanceChange)
	case RailStripe:
		return s.Stripe.Amount
	case RailInternal:
		return s.Internal.BalanceChange
	default:
		panic(fmt.Sprintf("ledger: unknown rail %q", s.Rail))
	}
}

// Validate checks that the variant matches the tag.
func (s Step) Validate() error {
	set := 0
	if s.Lightrail != nil {
		set++
	}
	if s.Stripe != nil {
		set++
	}
	if s.Internal != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("step must carry exactly one variant, has %d", set)
	}
	switch s.Rail {
	case RailLightrail:
		if s.Lightrail == nil {
			return fmt.Errorf("lightrail step missing body")
		}
	case RailStripe:
		if s.Stripe == nil {
			return fmt.Errorf("stripe step missing body")
		}
	case RailInternal:
		if s.Internal == nil {
			return fmt.Errorf("internal step missing body")
		}
	default:
		return fmt.Errorf("unknown rail %q", s.Rail)
	}
	return nil
}

// MarshalJSON flattens the variant next to its "rail" discriminator.
func (s Step) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Rail {
	case RailLightrail:
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*LightrailStep
		}{s.Rail, s.Lightrail})
	case RailStripe:
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*StripeStep
		}{s.Rail, s.Stripe})
	case RailInternal:
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*InternalStep
		}{s.Rail, s.Internal})
	default:
		return nil, fmt.Errorf("unknown rail %q", s.Rail)
	}
}

// UnmarshalJSON reads the "rail" discriminator and decodes the matching variant.
func (s *Step) UnmarshalJSON(data []byte) error {
	var probe struct {
		Rail Rail `json:"rail"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*s = Step{Rail: probe.Rail}
	switch probe.Rail {
	case RailLightrail:
		s.Lightrail = &LightrailStep{}
		return json.Unmarshal(data, s.Lightrail)
	case RailStripe:
		s.Stripe = &StripeStep{}
		return json.Unmarshal(data, s.Stripe)
	case RailInternal:
		s.Internal = &InternalStep{}
		return json.Unmarshal(data, s.Internal)
	default:
		return fmt.Errorf("unknown rail %q", probe.Rail)
	}
}
