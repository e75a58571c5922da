package ledger

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// PARTY - payment source / destination specifiers
// =============================================================================

// Party names where money comes from or goes to. Exactly one of Lightrail,
// Stripe or Internal is set, matching Rail.
type Party struct {
	Rail      Rail
	Lightrail *LightrailParty
	Stripe    *StripeParty
	Internal  *InternalParty
}

// LightrailParty references a Value by id, by code, or every value
// attached to a contact.
type LightrailParty struct {
	ValueID   string `json:"valueId,omitempty"`
	Code      string `json:"code,omitempty"`
	ContactID string `json:"contactId,omitempty"`
}

// StripeParty is a card (token/source) or a customer's default card.
type StripeParty struct {
	Source              string            `json:"source,omitempty"`
	Customer            string            `json:"customer,omitempty"`
	MaxAmount           *int64            `json:"maxAmount,omitempty"`
	MinAmount           *int64            `json:"minAmount,omitempty"`
	ForgiveSubMinAmount bool              `json:"forgiveSubMinAmount,omitempty"`
	AdditionalParams    map[string]string `json:"additionalStripeParams,omitempty"`
}

// InternalParty is a balance tracked outside the ledger.
type InternalParty struct {
	InternalID      string `json:"internalId"`
	Balance         int64  `json:"balance"`
	Pretax          bool   `json:"pretax,omitempty"`
	BeforeLightrail bool   `json:"beforeLightrail,omitempty"`
}

// ValueParty references a value by id.
func ValueParty(id string) Party {
	return Party{Rail: RailLightrail, Lightrail: &LightrailParty{ValueID: id}}
}

// CodeParty references a value by its secret or generic code.
func CodeParty(code string) Party {
	return Party{Rail: RailLightrail, Lightrail: &LightrailParty{Code: code}}
}

// ContactParty references every value attached to a contact.
func ContactParty(contactID string) Party {
	return Party{Rail: RailLightrail, Lightrail: &LightrailParty{ContactID: contactID}}
}

// CardParty charges a card token or source.
func CardParty(source string) Party {
	return Party{Rail: RailStripe, Stripe: &StripeParty{Source: source}}
}

// InternalSource is an untracked balance of the given size.
func InternalSource(id string, balance int64) Party {
	return Party{Rail: RailInternal, Internal: &InternalParty{InternalID: id, Balance: balance}}
}

// Validate checks the variant matches the tag and names something.
func (p Party) Validate() error {
	switch p.Rail {
	case RailLightrail:
		if p.Lightrail == nil {
			return fmt.Errorf("lightrail party missing body")
		}
		n := 0
		for _, s := range []string{p.Lightrail.ValueID, p.Lightrail.Code, p.Lightrail.ContactID} {
			if s != "" {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("lightrail party needs exactly one of valueId, code, contactId")
		}
	case RailStripe:
		if p.Stripe == nil {
			return fmt.Errorf("stripe party missing body")
		}
		if (p.Stripe.Source == "") == (p.Stripe.Customer == "") {
			return fmt.Errorf("stripe party needs exactly one of source, customer")
		}
		if p.Stripe.MaxAmount != nil && *p.Stripe.MaxAmount < 0 {
			return fmt.Errorf("stripe maxAmount must not be negative")
		}
		if p.Stripe.MinAmount != nil && *p.Stripe.MinAmount < 0 {
			return fmt.Errorf("stripe minAmount must not be negative")
		}
	case RailInternal:
		if p.Internal == nil {
			return fmt.Errorf("internal party missing body")
		}
		if p.Internal.InternalID == "" {
			return fmt.Errorf("internal party needs internalId")
		}
		if p.Internal.Balance < 0 {
			return fmt.Errorf("internal balance must not be negative")
		}
	default:
		return fmt.Errorf("unknown rail %q", p.Rail)
	}
	return nil
}

// Sanitized returns a copy safe to persist: codes are reduced to their
// last four characters and card parameters are dropped.
func (p Party) Sanitized() Party {
	out := Party{Rail: p.Rail}
	switch p.Rail {
	case RailLightrail:
		l := *p.Lightrail
		l.Code = LastFour(l.Code)
		out.Lightrail = &l
	case RailStripe:
		s := *p.Stripe
		s.AdditionalParams = nil
		out.Stripe = &s
	case RailInternal:
		i := *p.Internal
		out.Internal = &i
	}
	return out
}

// MarshalJSON flattens the variant next to its "rail" discriminator.
func (p Party) MarshalJSON() ([]byte, error) {
	switch p.Rail {
	case RailLightrail:
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*LightrailParty
		}{p.Rail, p.Lightrail})
	case RailStripe:
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*StripeParty
		}{p.Rail, p.Stripe})
	case RailInternal:
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*InternalParty
		}{p.Rail, p.Internal})
	default:
		return nil, fmt.Errorf("unknown rail %q", p.Rail)
	}
}

// UnmarshalJSON reads the "rail" discriminator and decodes the matching variant.
func (p *Party) UnmarshalJSON(data []byte) error {
	var probe struct {
		Rail Rail `json:"rail"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*p = Party{Rail: probe.Rail}
	switch probe.Rail {
	case RailLightrail:
		p.Lightrail = &LightrailParty{}
		return json.Unmarshal(data, p.Lightrail)
	case RailStripe:
		p.Stripe = &StripeParty{}
		return json.Unmarshal(data, p.Stripe)
	case RailInternal:
		p.Internal = &InternalParty{}
		return json.Unmarshal(data, p.Internal)
	default:
		return fmt.Errorf("unknown rail %q", probe.Rail)
	}
}
