package rules_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/rules"
)

func lineItemCtx(subtotal int) rules.Context {
	item := map[string]any{
		"productId": "p1",
		"unitPrice": subtotal,
		"quantity":  1,
		"lineTotal": map[string]any{"subtotal": subtotal, "remainder": subtotal},
	}
	return rules.Context{
		CurrentLineItem: item,
		LineItems:       []map[string]any{item},
		Metadata:        map[string]any{"tier": "gold"},
		Value:           map[string]any{"id": "v1", "balanceChange": 0},
	}
}

func TestEvaluateNumber_Arithmetic(t *testing.T) {
	ev := rules.NewEvaluator(rules.NewCache())

	got := ev.EvaluateNumber("currentLineItem.lineTotal.subtotal * 0.5", lineItemCtx(1000))

	assert.True(t, got.Equal(decimal.NewFromInt(500)), "got %s", got)
}

func TestEvaluateNumber_ClampsToZero(t *testing.T) {
	// GIVEN: Rules that go negative, return strings or fail at runtime
	// WHEN: Evaluated as balance rules
	// THEN: Each contributes exactly zero

	ev := rules.NewEvaluator(nil)
	for name, rule := range map[string]string{
		"negative":      "-100",
		"string":        `"lots"`,
		"boolean":       "true",
		"missing field": "currentLineItem.nope * 2",
		"syntax error":  "currentLineItem..subtotal",
		"divide":        "1 / 0",
	} {
		t.Run(name, func(t *testing.T) {
			got := ev.EvaluateNumber(rule, lineItemCtx(1000))
			assert.True(t, got.IsZero(), "got %s", got)
		})
	}
}

func TestEvaluateBool(t *testing.T) {
	ev := rules.NewEvaluator(nil)
	ctx := lineItemCtx(1000)

	assert.True(t, ev.EvaluateBool(`metadata.tier == "gold"`, ctx))
	assert.False(t, ev.EvaluateBool(`metadata.tier == "silver"`, ctx))
	assert.False(t, ev.EvaluateBool(`1 + 1`, ctx), "non-boolean result is false")
	assert.False(t, ev.EvaluateBool(`((`, ctx), "compile failure is false")
}

func TestValidate(t *testing.T) {
	ev := rules.NewEvaluator(nil)

	require.NoError(t, ev.Validate("currentLineItem.lineTotal.subtotal * 0.1"))
	assert.Error(t, ev.Validate("currentLineItem.lineTotal.subtotal *"))
}

func TestCache_CompilesOncePerText(t *testing.T) {
	cache := rules.NewCache()
	ev := rules.NewEvaluator(cache)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev.EvaluateNumber("currentLineItem.lineTotal.subtotal * 0.25", lineItemCtx(400))
		}()
	}
	wg.Wait()
	ev.EvaluateBool("true", lineItemCtx(1))

	assert.Equal(t, 2, cache.Len())
}
