/*
planner.go - Transaction planning

PURPOSE:
  Turns a request (checkout, debit, credit, transfer, reverse, capture,
  void, value creation, attach) into a Plan: the transaction that would
  be written, the value mutations it implies, and the card processor
  calls needed to settle it.

  Planning only reads. It never locks, never writes, never calls the
  card processor. A plan can be thrown away and rebuilt at any time,
  which is exactly what the service does when execution reports a
  replanable conflict.

PLAN CONTENTS:
  Transaction  the would-be record, steps filled with before/after values
               as observed while planning
  Mutations    per-value deltas plus the before-state the executor must
               find under lock (a mismatch is a replanable conflict)
  Cards        ordered card processor calls with derived idempotency keys
  Attaches     generic-code attachments to perform first
  NewValues    values to insert (initialBalance)

IDEMPOTENCY KEYS:
  Card calls use "<transactionId>-<stepIndex>". The same logical request
  produces the same keys on every replan, so a retried charge is
  deduplicated by the processor.

SEE ALSO:
  - checkout.go:   Checkout planning
  - simple.go:     Debit, credit, transfer
  - compensate.go: Reverse, capture, void
  - value.go:      Value creation and attach
  - executor/executor.go: Applies plans
*/
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/rules"
)

// =============================================================================
// PLAN
// =============================================================================

// Mutation is a change to one stored value.
type Mutation struct {
	StepIndex     int
	ValueID       string
	BalanceBefore *int64
	UsesBefore    *int64
	BalanceDelta  int64
	UsesDelta     int64
}

// CardAction is one card processor call.
type CardAction struct {
	StepIndex        int
	Operation        ledger.StripeOperation
	Amount           int64
	Currency         string
	Source           string
	Customer         string
	Capture          bool
	ChargeID         string
	IdempotencyKey   string
	AdditionalParams map[string]string
}

// Attach creates a per-contact value from a generic code.
type Attach struct {
	Generic      ledger.Value
	Derived      ledger.Value
	BalanceDelta int64
	UsesDelta    int64
	Transaction  ledger.Transaction
}

// Plan is an in-memory, not yet persisted transaction.
type Plan struct {
	Transaction ledger.Transaction
	Mutations   []Mutation
	Cards       []CardAction
	Attaches    []Attach
	NewValues   []ledger.Value

	// StateCheck is the value-state rule set re-applied under lock.
	StateCheck ledger.StateCheck
	Simulate   bool

	// ChainRoot is set for compensations: the root row to lock.
	ChainRoot    string
	AllowExpired bool

	// Existing is set when an attach found the value already attached.
	Existing *ledger.Value
}

// IsCompensation reports whether the plan appends to an existing chain.
func (p *Plan) IsCompensation() bool {
	return p.ChainRoot != ""
}

// =============================================================================
// PLANNER
// =============================================================================

// Config holds planning limits.
type Config struct {
	// StripeMinimum is the smallest card charge; smaller amounts fail or
	// are forgiven.
	StripeMinimum            int64
	DefaultPendingDuration   time.Duration
	MaxPendingDuration       time.Duration
	MaxStripePendingDuration time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		StripeMinimum:            50,
		DefaultPendingDuration:   7 * 24 * time.Hour,
		MaxPendingDuration:       90 * 24 * time.Hour,
		MaxStripePendingDuration: 7 * 24 * time.Hour,
	}
}

// Planner builds plans from requests. It is safe for concurrent use.
type Planner struct {
	store ledger.Store
	rules *rules.Evaluator
	cfg   Config
	now   func() time.Time
}

// New returns a planner reading from store. A nil evaluator gets a
// private rule cache.
func New(store ledger.Store, evaluator *rules.Evaluator, cfg Config) *Planner {
	if evaluator == nil {
		evaluator = rules.NewEvaluator(nil)
	}
	return &Planner{store: store, rules: evaluator, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the planner's clock.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// =============================================================================
// HELPERS
// =============================================================================

var attachNamespace = uuid.MustParse("5b0f6f0e-8a9d-4c52-9f49-3c1d2a7e4b10")

// AttachedValueID is the deterministic id of the value created when
// contactID attaches the generic value genericID.
func AttachedValueID(genericID, contactID string) string {
	return uuid.NewSHA1(attachNamespace, []byte(genericID+"/"+contactID)).String()
}

var expiryVoidNamespace = uuid.MustParse("c3e1a7d2-4f86-4b0e-a51d-7d9f2e6b8c31")

// ExpiryVoidID is the id the expiry sweep gives the void of rootID:
// "<rootID>-void" while that fits the id limit, a name-based UUID of the
// root otherwise. Either way every pass derives the same id.
func ExpiryVoidID(rootID string) string {
	if id := rootID + "-void"; len(id) <= maxIDLength {
		return id
	}
	return uuid.NewSHA1(expiryVoidNamespace, []byte(rootID)).String()
}

func idempotencyKey(txID string, stepIndex int) string {
	return fmt.Sprintf("%s-%d", txID, stepIndex)
}

const maxIDLength = 64

func validateID(field, id string) error {
	if id == "" {
		return ledger.Errorf(ledger.CodeInvalidRequest, "%s is required", field)
	}
	if len(id) > maxIDLength {
		return ledger.Errorf(ledger.CodeInvalidRequest, "%s must be at most %d characters", field, maxIDLength)
	}
	return nil
}

func validateCurrency(currency string) error {
	if currency == "" || len(currency) > 16 {
		return ledger.Errorf(ledger.CodeInvalidRequest, "currency is required")
	}
	return nil
}

// lightrailStep builds a step for a value moving by the given deltas.
func lightrailStep(v *ledger.Value, balanceDelta, usesDelta int64) ledger.LightrailStep {
	s := ledger.LightrailStep{ValueID: v.ID, ContactID: v.ContactID, Code: ledger.LastFour(v.Code)}
	if v.Balance != nil {
		s.BalanceBefore = ledger.Int64(*v.Balance)
		s.BalanceAfter = ledger.Int64(*v.Balance + balanceDelta)
		s.BalanceChange = ledger.Int64(balanceDelta)
	} else if balanceDelta != 0 {
		s.BalanceChange = ledger.Int64(balanceDelta)
	}
	if v.UsesRemaining != nil {
		s.UsesRemainingBefore = ledger.Int64(*v.UsesRemaining)
		s.UsesRemainingAfter = ledger.Int64(*v.UsesRemaining + usesDelta)
		s.UsesRemainingChange = ledger.Int64(usesDelta)
	}
	return s
}

// mutationFor records the before-state of v and the deltas applied to its
// tracked fields.
func mutationFor(stepIndex int, v *ledger.Value, balanceDelta, usesDelta int64) Mutation {
	m := Mutation{StepIndex: stepIndex, ValueID: v.ID}
	if v.Balance != nil {
		m.BalanceBefore = ledger.Int64(*v.Balance)
		m.BalanceDelta = balanceDelta
	}
	if v.UsesRemaining != nil {
		m.UsesBefore = ledger.Int64(*v.UsesRemaining)
		m.UsesDelta = usesDelta
	}
	return m
}

func sanitize(parties []ledger.Party) []ledger.Party {
	out := make([]ledger.Party, len(parties))
	for i, p := range parties {
		out[i] = p.Sanitized()
	}
	return out
}
