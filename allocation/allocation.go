/*
allocation.go - Line item allocation across payment sources

PURPOSE:
  Splits a cart's cost across an ordered list of payment sources,
  line item by line item, and produces the per-line totals, per-source
  contributions and the transaction Totals.

ALGORITHM:
  1. Each line item starts with subtotal = unitPrice * quantity, and the
     whole subtotal as its remainder.
  2. Pretax sources are applied to every line item.
  3. Tax is computed per line item on what is left after pretax sources,
     rounded half to even, and added to that line's remainder.
  4. Post-tax sources are applied.
  5. Totals are summed; an unpaid remainder fails the allocation unless
     the caller allows it.

SOURCE ORDER (within each phase):
  internal (beforeLightrail) -> lightrail -> internal -> stripe
  Lightrail values: discounts, then generic-derived values, then the rest,
  each by soonest endDate (no endDate last). Remaining ties keep request
  order.

  The order is fixed. When several rule-based promotions could be applied
  in different orders for different totals, the engine does not search
  for the best assignment; it commits to this single pass.

CONTRIBUTIONS:
  Balance rule:   min(rule result rounded half to even, line remainder)
  Fixed balance:  min(remaining balance, line remainder)
  Redemption rule false on a line: the source skips that line.
  A value that tracks usesRemaining spends one use per transaction if it
  contributed anything.

SEE ALSO:
  - order.go: Source ordering
  - rules/rules.go: Rule evaluation
  - planner/checkout.go: Builds the sources and consumes the result
*/
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/rules"
)

// =============================================================================
// TYPES
// =============================================================================

// Source is a resolved payment source. Exactly one of Value, Internal or
// Stripe is set, matching Rail.
type Source struct {
	// Index is the position in the request, used to break ties.
	Index          int
	Rail           ledger.Rail
	Value          *ledger.Value
	GenericDerived bool
	Internal       *ledger.InternalParty
	Stripe         *ledger.StripeParty
}

// Contribution is what one source paid toward the cart.
type Contribution struct {
	Source       *Source
	Amount       int64
	Forgiven     int64
	UsesConsumed int64
}

// Options tunes an allocation.
type Options struct {
	Rules          *rules.Evaluator
	Metadata       map[string]any
	AllowRemainder bool
	// StripeMinimum applies to stripe sources without their own MinAmount.
	StripeMinimum int64
}

// Result is the outcome of an allocation.
type Result struct {
	LineItems     []ledger.LineItem
	Totals        ledger.Totals
	Contributions []Contribution
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate distributes the cart across sources.
func Allocate(items []ledger.LineItem, sources []Source, opts Options) (*Result, error) {
	if opts.Rules == nil {
		opts.Rules = rules.NewEvaluator(nil)
	}
	a := &allocator{opts: opts, items: prepare(items)}

	pretax, postTax := Order(sources)
	for i := range pretax {
		if err := a.apply(&pretax[i]); err != nil {
			return nil, err
		}
	}
	a.applyTax()
	for i := range postTax {
		if err := a.apply(&postTax[i]); err != nil {
			return nil, err
		}
	}

	res := &Result{LineItems: a.items, Contributions: a.contributions}
	res.Totals = a.totals()
	if !res.Totals.Reconciles() {
		return nil, ledger.Errorf(ledger.CodeInternal, "allocation totals do not reconcile")
	}
	if res.Totals.Remainder > 0 && !opts.AllowRemainder {
		return nil, ledger.Errorf(ledger.CodeInsufficientBalance,
			"payment sources cover %d of %d", res.Totals.Payable-res.Totals.Remainder, res.Totals.Payable).
			WithDetail("remainder", res.Totals.Remainder).
			WithDetail("allowRemainder", false)
	}
	return res, nil
}

type allocator struct {
	opts          Options
	items         []ledger.LineItem
	contributions []Contribution
}

func prepare(items []ledger.LineItem) []ledger.LineItem {
	out := make([]ledger.LineItem, len(items))
	for i, li := range items {
		if li.Quantity == 0 {
			li.Quantity = 1
		}
		subtotal := li.UnitPrice * li.Quantity
		li.LineTotal = &ledger.LineTotal{
			Subtotal:  subtotal,
			Taxable:   subtotal,
			Remainder: subtotal,
		}
		out[i] = li
	}
	return out
}

func (a *allocator) apply(src *Source) error {
	switch src.Rail {
	case ledger.RailLightrail:
		a.applyBalance(src)
		return nil
	case ledger.RailInternal:
		a.applyBalance(src)
		return nil
	case ledger.RailStripe:
		return a.applyStripe(src)
	default:
		panic(fmt.Sprintf("allocation: unknown rail %q", src.Rail))
	}
}

// applyBalance walks the line items for a lightrail or internal source.
func (a *allocator) applyBalance(src *Source) {
	v := src.Value
	if v != nil && !v.CanSpend() {
		return
	}
	capacity := sourceCapacity(src)
	c := Contribution{Source: src}

	for i := range a.items {
		lt := a.items[i].LineTotal
		if lt.Remainder <= 0 {
			continue
		}
		if v != nil && v.RedemptionRule != nil &&
			!a.opts.Rules.EvaluateBool(v.RedemptionRule.Rule, a.ruleContext(i, v, c.Amount)) {
			continue
		}

		amount := lt.Remainder
		if v != nil && v.BalanceRule != nil {
			amount = a.opts.Rules.
				EvaluateNumber(v.BalanceRule.Rule, a.ruleContext(i, v, c.Amount)).
				RoundBank(0).
				IntPart()
		}
		amount = min(amount, lt.Remainder)
		if capacity >= 0 {
			amount = min(amount, capacity-c.Amount)
		}
		if amount <= 0 {
			continue
		}

		lt.Remainder -= amount
		if v != nil && v.Discount {
			lt.Discount += amount
		}
		c.Amount += amount
	}

	if c.Amount == 0 {
		return
	}
	if v != nil && v.UsesRemaining != nil {
		c.UsesConsumed = 1
	}
	a.contributions = append(a.contributions, c)
}

// sourceCapacity is the most a source can pay, or -1 when unlimited.
func sourceCapacity(src *Source) int64 {
	if src.Internal != nil {
		return src.Internal.Balance
	}
	v := src.Value
	if v.Balance != nil {
		return *v.Balance
	}
	if v.BalanceRule != nil {
		return -1
	}
	return 0
}

func (a *allocator) applyStripe(src *Source) error {
	remainder := a.remainder()
	amount := remainder
	if src.Stripe.MaxAmount != nil && *src.Stripe.MaxAmount < amount {
		amount = *src.Stripe.MaxAmount
	}
	if amount <= 0 {
		return nil
	}

	minimum := a.opts.StripeMinimum
	if src.Stripe.MinAmount != nil {
		minimum = *src.Stripe.MinAmount
	}
	c := Contribution{Source: src}
	if amount < minimum {
		if !src.Stripe.ForgiveSubMinAmount {
			return ledger.Errorf(ledger.CodeStripeAmountTooSmall,
				"stripe charge of %d is below the minimum of %d", amount, minimum).
				WithDetail("amount", amount).
				WithDetail("minAmount", minimum)
		}
		c.Forgiven = amount
	} else {
		c.Amount = amount
	}

	a.deduct(amount)
	a.contributions = append(a.contributions, c)
	return nil
}

// deduct takes amount off the line remainders in processing order.
func (a *allocator) deduct(amount int64) {
	for i := range a.items {
		if amount == 0 {
			return
		}
		lt := a.items[i].LineTotal
		take := min(amount, lt.Remainder)
		lt.Remainder -= take
		amount -= take
	}
}

func (a *allocator) applyTax() {
	for i := range a.items {
		lt := a.items[i].LineTotal
		lt.Taxable = lt.Remainder
		lt.Tax = a.items[i].TaxRate.
			Mul(decimal.NewFromInt(lt.Taxable)).
			RoundBank(0).
			IntPart()
		lt.Remainder += lt.Tax
	}
}

func (a *allocator) remainder() int64 {
	var r int64
	for i := range a.items {
		r += a.items[i].LineTotal.Remainder
	}
	return r
}

func (a *allocator) totals() ledger.Totals {
	var t ledger.Totals
	for i := range a.items {
		lt := a.items[i].LineTotal
		lt.Payable = lt.Subtotal + lt.Tax - lt.Discount
		t.Subtotal += lt.Subtotal
		t.Tax += lt.Tax
		t.Discount += lt.Discount
		t.Remainder += lt.Remainder
	}
	t.Payable = t.Subtotal - t.Discount + t.Tax

	for _, c := range a.contributions {
		t.Forgiven += c.Forgiven
		switch c.Source.Rail {
		case ledger.RailLightrail:
			if c.Source.Value.Discount {
				t.DiscountLightrail += c.Amount
			} else {
				t.PaidLightrail += c.Amount
			}
		case ledger.RailInternal:
			t.PaidInternal += c.Amount
		case ledger.RailStripe:
			t.PaidStripe += c.Amount
		}
	}
	return t
}

// =============================================================================
// RULE CONTEXT
// =============================================================================

func (a *allocator) ruleContext(i int, v *ledger.Value, applied int64) rules.Context {
	items := make([]map[string]any, len(a.items))
	for j := range a.items {
		items[j] = lineItemEnv(a.items[j])
	}
	running := a.totals()
	return rules.Context{
		CurrentLineItem: items[i],
		LineItems:       items,
		Totals: map[string]any{
			"subtotal":  int(running.Subtotal),
			"tax":       int(running.Tax),
			"discount":  int(running.Discount),
			"payable":   int(running.Payable),
			"remainder": int(running.Remainder),
		},
		Metadata: a.opts.Metadata,
		Value:    valueEnv(v, applied),
	}
}

func lineItemEnv(li ledger.LineItem) map[string]any {
	tags := make([]any, len(li.Tags))
	for i, t := range li.Tags {
		tags[i] = t
	}
	f, _ := li.TaxRate.Float64()
	env := map[string]any{
		"type":      li.Type,
		"productId": li.ProductID,
		"variantId": li.VariantID,
		"unitPrice": int(li.UnitPrice),
		"quantity":  int(li.Quantity),
		"taxRate":   f,
		"tags":      tags,
		"metadata":  li.Metadata,
	}
	if lt := li.LineTotal; lt != nil {
		env["lineTotal"] = map[string]any{
			"subtotal":  int(lt.Subtotal),
			"taxable":   int(lt.Taxable),
			"tax":       int(lt.Tax),
			"discount":  int(lt.Discount),
			"remainder": int(lt.Remainder),
		}
	}
	return env
}

func valueEnv(v *ledger.Value, applied int64) map[string]any {
	env := map[string]any{
		"id":            v.ID,
		"metadata":      v.Metadata,
		"balanceChange": int(-applied),
		"balance":       nil,
		"usesRemaining": nil,
	}
	if v.Balance != nil {
		env["balance"] = int(*v.Balance)
	}
	if v.UsesRemaining != nil {
		env["usesRemaining"] = int(*v.UsesRemaining)
	}
	return env
}
