/*
rules.go - Balance and redemption rule evaluation

PURPOSE:
  Values may carry a balanceRule (how much the value pays toward a line
  item) and a redemptionRule (whether it may be used on a line item at
  all). Rules are opaque expressions evaluated against a read-only
  context; they can not reach ambient state or perform I/O.

CONTEXT:
  currentLineItem  the line item being priced, with its running lineTotal
  lineItems        every line item of the cart
  totals           running transaction totals
  metadata         transaction metadata
  value            the value being evaluated (id, balance, usesRemaining,
                   metadata, balanceChange already applied in this plan)

RESULT COERCION:
  Balance rules that fail to compile, fail at runtime, return something
  other than a number, or return a negative number contribute 0.
  Redemption rules that fail or return a non-boolean evaluate to false.

EXAMPLE:
  ev := rules.NewEvaluator(rules.NewCache())
  amt := ev.EvaluateNumber("currentLineItem.lineTotal.subtotal * 0.5", ctx)

SEE ALSO:
  - cache.go: Compiled program cache
  - allocation/allocation.go: The only caller during pricing
*/
package rules

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
)

// Context is the data a rule may read.
type Context struct {
	CurrentLineItem map[string]any
	LineItems       []map[string]any
	Totals          map[string]any
	Metadata        map[string]any
	Value           map[string]any
}

func (c Context) env() map[string]any {
	items := make([]any, len(c.LineItems))
	for i, li := range c.LineItems {
		items[i] = li
	}
	return map[string]any{
		"currentLineItem": orEmpty(c.CurrentLineItem),
		"lineItems":       items,
		"totals":          orEmpty(c.Totals),
		"metadata":        orEmpty(c.Metadata),
		"value":           orEmpty(c.Value),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Evaluator runs rules through a shared Cache.
type Evaluator struct {
	cache *Cache
}

func NewEvaluator(cache *Cache) *Evaluator {
	if cache == nil {
		cache = NewCache()
	}
	return &Evaluator{cache: cache}
}

// Cache exposes the evaluator's program cache.
func (e *Evaluator) Cache() *Cache {
	return e.cache
}

// Validate reports whether rule compiles.
func (e *Evaluator) Validate(rule string) error {
	_, err := e.cache.program(rule)
	return err
}

// EvaluateNumber evaluates a balance rule. The result is never negative.
func (e *Evaluator) EvaluateNumber(rule string, ctx Context) decimal.Decimal {
	out, err := e.run(rule, ctx)
	if err != nil {
		return decimal.Zero
	}
	d, ok := toDecimal(out)
	if !ok || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// EvaluateBool evaluates a redemption rule.
func (e *Evaluator) EvaluateBool(rule string, ctx Context) bool {
	out, err := e.run(rule, ctx)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func (e *Evaluator) run(rule string, ctx Context) (out any, err error) {
	program, err := e.cache.program(rule)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return expr.Run(program, ctx.env())
}

func compile(rule string) (*vm.Program, error) {
	return expr.Compile(rule, expr.AllowUndefinedVariables())
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromUint64(uint64(n)), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromUint64(n), true
	case float32:
		return fromFloat(float64(n))
	case float64:
		return fromFloat(n)
	default:
		return decimal.Zero, false
	}
}

func fromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}
