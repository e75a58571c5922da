/*
types.go - Core types for the stored-value ledger

PURPOSE:
  Defines the entities every other package speaks in: Values (balances),
  Transactions (immutable ledger events), Steps (one rail-specific effect
  inside a transaction) and the Totals summary of a priced transaction.

AMOUNTS:
  All amounts are int64 minor units (cents, points). A nil *int64 on a
  Value means "not tracked": the value is governed by its rules instead.

RAILS:
  lightrail  - a Value stored in this ledger
  stripe     - a credit card charge through the card processor
  internal   - an untracked balance owned by the caller

IMMUTABILITY:
  A Transaction is written once. The only fields that ever change after
  insert are NextTransactionID (chain linkage) and Pending/PendingVoidDate
  (cleared when a capture or void lands).

SEE ALSO:
  - step.go: Step tagged union
  - party.go: Payment source specifiers
  - errors.go: Error codes
  - store.go: Persistence contract
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransactionType classifies a ledger event.
type TransactionType string

const (
	TxCheckout       TransactionType = "checkout"
	TxDebit          TransactionType = "debit"
	TxCredit         TransactionType = "credit"
	TxTransfer       TransactionType = "transfer"
	TxInitialBalance TransactionType = "initialBalance"
	TxAttach         TransactionType = "attach"
	TxReverse        TransactionType = "reverse"
	TxCapture        TransactionType = "capture"
	TxVoid           TransactionType = "void"
)

// IsCompensating is true for transactions that act on an existing chain.
func (t TransactionType) IsCompensating() bool {
	return t == TxReverse || t == TxCapture || t == TxVoid
}

// =============================================================================
// VALUE
// =============================================================================

// Rule is an opaque expression with a human readable explanation.
type Rule struct {
	Rule        string `json:"rule"`
	Explanation string `json:"explanation"`
}

// PerContact is the template used when a generic code is attached to a contact.
type PerContact struct {
	Balance       *int64 `json:"balance"`
	UsesRemaining *int64 `json:"usesRemaining"`
}

// GenericCodeOptions configures how a generic code spawns per-contact values.
type GenericCodeOptions struct {
	PerContact PerContact `json:"perContact"`
}

// Value is a balance-bearing entity: a gift card, a promotion, an account credit.
type Value struct {
	ID                  string              `json:"id"`
	Currency            string              `json:"currency"`
	Balance             *int64              `json:"balance"`
	UsesRemaining       *int64              `json:"usesRemaining"`
	BalanceRule         *Rule               `json:"balanceRule"`
	RedemptionRule      *Rule               `json:"redemptionRule"`
	Discount            bool                `json:"discount"`
	Pretax              bool                `json:"pretax"`
	Active              bool                `json:"active"`
	Frozen              bool                `json:"frozen"`
	Canceled            bool                `json:"canceled"`
	StartDate           *time.Time          `json:"startDate"`
	EndDate             *time.Time          `json:"endDate"`
	Code                string              `json:"code,omitempty"`
	IsGenericCode       bool                `json:"isGenericCode"`
	GenericCodeOptions  *GenericCodeOptions `json:"genericCodeOptions,omitempty"`
	ContactID           string              `json:"contactId,omitempty"`
	AttachedFromValueID string              `json:"attachedFromValueId,omitempty"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
	CreatedDate         time.Time           `json:"createdDate"`
	UpdatedDate         time.Time           `json:"updatedDate"`
	CreatedBy           string              `json:"createdBy,omitempty"`
}

// Contact owns attached values.
type Contact struct {
	ID          string         `json:"id"`
	Email       string         `json:"email,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedDate time.Time      `json:"createdDate"`
}

// =============================================================================
// LINE ITEMS AND TOTALS
// =============================================================================

// LineItem is one priced row of a checkout cart.
type LineItem struct {
	Type      string          `json:"type,omitempty"`
	ProductID string          `json:"productId,omitempty"`
	VariantID string          `json:"variantId,omitempty"`
	UnitPrice int64           `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
	TaxRate   decimal.Decimal `json:"taxRate"`
	Tags      []string        `json:"tags,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	LineTotal *LineTotal      `json:"lineTotal,omitempty"`
}

// LineTotal is the per-line result of allocation.
type LineTotal struct {
	Subtotal  int64 `json:"subtotal"`
	Taxable   int64 `json:"taxable"`
	Tax       int64 `json:"tax"`
	Discount  int64 `json:"discount"`
	Remainder int64 `json:"remainder"`
	Payable   int64 `json:"payable"`
}

// Totals summarizes a priced transaction.
// PaidLightrail + PaidStripe + PaidInternal + Remainder + Forgiven == Payable.
type Totals struct {
	Subtotal          int64 `json:"subtotal"`
	Tax               int64 `json:"tax"`
	Discount          int64 `json:"discount"`
	DiscountLightrail int64 `json:"discountLightrail"`
	Payable           int64 `json:"payable"`
	PaidLightrail     int64 `json:"paidLightrail"`
	PaidStripe        int64 `json:"paidStripe"`
	PaidInternal      int64 `json:"paidInternal"`
	Remainder         int64 `json:"remainder"`
	Forgiven          int64 `json:"forgiven"`
}

// Negate returns totals with every amount sign-flipped.
func (t *Totals) Negate() *Totals {
	if t == nil {
		return nil
	}
	return &Totals{
		Subtotal:          -t.Subtotal,
		Tax:               -t.Tax,
		Discount:          -t.Discount,
		DiscountLightrail: -t.DiscountLightrail,
		Payable:           -t.Payable,
		PaidLightrail:     -t.PaidLightrail,
		PaidStripe:        -t.PaidStripe,
		PaidInternal:      -t.PaidInternal,
		Remainder:         -t.Remainder,
		Forgiven:          -t.Forgiven,
	}
}

// Reconciles reports whether paid + remainder + forgiven equals payable.
func (t *Totals) Reconciles() bool {
	if t == nil {
		return true
	}
	paid := t.PaidLightrail + t.PaidStripe + t.PaidInternal
	return paid+t.Remainder+t.Forgiven == t.Payable
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is an immutable record of one ledger event.
type Transaction struct {
	ID                string          `json:"id"`
	RootTransactionID string          `json:"rootTransactionId"`
	NextTransactionID string          `json:"nextTransactionId,omitempty"`
	Type              TransactionType `json:"transactionType"`
	Currency          string          `json:"currency"`
	Totals            *Totals         `json:"totals"`
	LineItems         []LineItem      `json:"lineItems,omitempty"`
	Steps             []Step          `json:"steps"`
	PaymentSources    []Party         `json:"paymentSources,omitempty"`
	Pending           bool            `json:"pending"`
	PendingVoidDate   *time.Time      `json:"pendingVoidDate,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedDate       time.Time       `json:"createdDate"`
	CreatedBy         string          `json:"createdBy,omitempty"`
}

// IsRoot is true when the transaction starts its own chain.
func (t *Transaction) IsRoot() bool {
	return t.RootTransactionID == "" || t.RootTransactionID == t.ID
}

// =============================================================================
// HELPERS
// =============================================================================

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Int64Value dereferences p, treating nil as zero.
func Int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// LastFour reduces a secret code to the form stored in snapshots.
func LastFour(code string) string {
	if code == "" {
		return ""
	}
	r := []rune(code)
	if len(r) <= 4 {
		return "…" + code
	}
	return "…" + string(r[len(r)-4:])
}
