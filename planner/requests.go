package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/valueledger/ledger"
)

// Pending requests a pending transaction. In JSON it is either a boolean
// or a duration string such as "72h".
type Pending struct {
	Enabled  bool
	Duration time.Duration
}

func (p *Pending) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*p = Pending{Enabled: b}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pending must be a boolean or a duration string")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	*p = Pending{Enabled: true, Duration: d}
	return nil
}

func (p Pending) MarshalJSON() ([]byte, error) {
	if p.Enabled && p.Duration != 0 {
		return json.Marshal(p.Duration.String())
	}
	return json.Marshal(p.Enabled)
}

// CheckoutRequest pays for a cart from a list of sources.
type CheckoutRequest struct {
	ID             string            `json:"id"`
	Currency       string            `json:"currency"`
	LineItems      []ledger.LineItem `json:"lineItems"`
	Sources        []ledger.Party    `json:"sources"`
	Simulate       bool              `json:"simulate"`
	AllowRemainder bool              `json:"allowRemainder"`
	Pending        *Pending          `json:"pending,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// DebitRequest takes an amount or uses from one value.
type DebitRequest struct {
	ID             string         `json:"id"`
	Source         ledger.Party   `json:"source"`
	Currency       string         `json:"currency"`
	Amount         *int64         `json:"amount,omitempty"`
	Uses           *int64         `json:"uses,omitempty"`
	Pending        *Pending       `json:"pending,omitempty"`
	AllowRemainder bool           `json:"allowRemainder"`
	Simulate       bool           `json:"simulate"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CreditRequest adds an amount or uses to one value.
type CreditRequest struct {
	ID          string         `json:"id"`
	Destination ledger.Party   `json:"destination"`
	Currency    string         `json:"currency"`
	Amount      *int64         `json:"amount,omitempty"`
	Uses        *int64         `json:"uses,omitempty"`
	Simulate    bool           `json:"simulate"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TransferRequest moves an amount from a value or card into a value.
type TransferRequest struct {
	ID             string         `json:"id"`
	Source         ledger.Party   `json:"source"`
	Destination    ledger.Party   `json:"destination"`
	Currency       string         `json:"currency"`
	Amount         int64          `json:"amount"`
	AllowRemainder bool           `json:"allowRemainder"`
	Simulate       bool           `json:"simulate"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CompensationRequest reverses, captures or voids TargetID.
type CompensationRequest struct {
	ID       string         `json:"id"`
	TargetID string         `json:"-"`
	Simulate bool           `json:"simulate"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// AllowExpired is set by the expiry sweep to void past the void date.
	AllowExpired bool `json:"-"`
}

// CreateValueRequest creates a value with an initialBalance transaction.
type CreateValueRequest struct {
	ID                 string                     `json:"id"`
	TransactionID      string                     `json:"transactionId,omitempty"`
	Currency           string                     `json:"currency"`
	Balance            *int64                     `json:"balance"`
	UsesRemaining      *int64                     `json:"usesRemaining"`
	BalanceRule        *ledger.Rule               `json:"balanceRule,omitempty"`
	RedemptionRule     *ledger.Rule               `json:"redemptionRule,omitempty"`
	Discount           bool                       `json:"discount"`
	Pretax             bool                       `json:"pretax"`
	Active             *bool                      `json:"active,omitempty"`
	Frozen             bool                       `json:"frozen"`
	StartDate          *time.Time                 `json:"startDate,omitempty"`
	EndDate            *time.Time                 `json:"endDate,omitempty"`
	Code               string                     `json:"code,omitempty"`
	IsGenericCode      bool                       `json:"isGenericCode"`
	GenericCodeOptions *ledger.GenericCodeOptions `json:"genericCodeOptions,omitempty"`
	ContactID          string                     `json:"contactId,omitempty"`
	Metadata           map[string]any             `json:"metadata,omitempty"`
	CreatedBy          string                     `json:"-"`
}

// AttachRequest attaches a generic code (or generic value id) to a contact.
type AttachRequest struct {
	ContactID string `json:"-"`
	Code      string `json:"code,omitempty"`
	ValueID   string `json:"valueId,omitempty"`
	CreatedBy string `json:"-"`
}
