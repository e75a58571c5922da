package allocation_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/allocation"
	"github.com/warp/valueledger/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func item(price int64, tax string) ledger.LineItem {
	return ledger.LineItem{UnitPrice: price, Quantity: 1, TaxRate: decimal.RequireFromString(tax)}
}

func balanceSource(idx int, id string, balance int64) allocation.Source {
	return allocation.Source{
		Index: idx,
		Rail:  ledger.RailLightrail,
		Value: &ledger.Value{ID: id, Currency: "CAD", Balance: ledger.Int64(balance), Active: true},
	}
}

func stripeSource(idx int, max *int64) allocation.Source {
	return allocation.Source{
		Index:  idx,
		Rail:   ledger.RailStripe,
		Stripe: &ledger.StripeParty{Source: "tok_visa", MaxAmount: max},
	}
}

func amounts(res *allocation.Result) []int64 {
	out := make([]int64, len(res.Contributions))
	for i, c := range res.Contributions {
		out[i] = c.Amount
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestAllocate_PretaxPercentDiscount(t *testing.T) {
	// GIVEN: Two 500 line items taxed at 10% and a pretax 50% discount rule
	// WHEN: Allocated with remainder allowed
	// THEN: Discount 500, tax 50 on the discounted base, payable 550

	discount := allocation.Source{
		Rail: ledger.RailLightrail,
		Value: &ledger.Value{
			ID:          "promo",
			Currency:    "CAD",
			Active:      true,
			Discount:    true,
			Pretax:      true,
			BalanceRule: &ledger.Rule{Rule: "currentLineItem.lineTotal.subtotal * 0.5", Explanation: "50% off"},
		},
	}

	res, err := allocation.Allocate(
		[]ledger.LineItem{item(500, "0.1"), item(500, "0.1")},
		[]allocation.Source{discount},
		allocation.Options{AllowRemainder: true},
	)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), res.Totals.Subtotal)
	assert.Equal(t, int64(500), res.Totals.Discount)
	assert.Equal(t, int64(500), res.Totals.DiscountLightrail)
	assert.Equal(t, int64(50), res.Totals.Tax)
	assert.Equal(t, int64(550), res.Totals.Payable)
	assert.Equal(t, int64(550), res.Totals.Remainder)
	assert.True(t, res.Totals.Reconciles())
	for _, li := range res.LineItems {
		assert.Equal(t, int64(250), li.LineTotal.Taxable)
		assert.Equal(t, int64(25), li.LineTotal.Tax)
	}
}

func TestAllocate_TwoStripeSources(t *testing.T) {
	// GIVEN: Payable 400 and sources [stripe max 100, stripe uncapped]
	// THEN: First charge 100, second 300

	res, err := allocation.Allocate(
		[]ledger.LineItem{item(400, "0")},
		[]allocation.Source{stripeSource(0, ledger.Int64(100)), stripeSource(1, nil)},
		allocation.Options{StripeMinimum: 50},
	)
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 300}, amounts(res))
	assert.Equal(t, int64(400), res.Totals.PaidStripe)
	assert.Equal(t, int64(0), res.Totals.Remainder)
}

func TestAllocate_InsufficientWithoutRemainder(t *testing.T) {
	_, err := allocation.Allocate(
		[]ledger.LineItem{item(1000, "0")},
		[]allocation.Source{balanceSource(0, "gift", 300)},
		allocation.Options{},
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	e, _ := ledger.AsError(err)
	assert.Equal(t, false, e.Details["allowRemainder"])
	assert.Equal(t, int64(700), e.Details["remainder"])
}

func TestAllocate_StripeBelowMinimum(t *testing.T) {
	// GIVEN: 30 left for the card and a minimum charge of 50
	items := []ledger.LineItem{item(1030, "0")}
	gift := balanceSource(0, "gift", 1000)

	t.Run("fails", func(t *testing.T) {
		_, err := allocation.Allocate(items, []allocation.Source{gift, stripeSource(1, nil)},
			allocation.Options{StripeMinimum: 50})
		assert.Equal(t, ledger.CodeStripeAmountTooSmall, ledger.CodeOf(err))
	})

	t.Run("forgiven", func(t *testing.T) {
		card := stripeSource(1, nil)
		card.Stripe.ForgiveSubMinAmount = true
		res, err := allocation.Allocate(items, []allocation.Source{gift, card},
			allocation.Options{StripeMinimum: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(30), res.Totals.Forgiven)
		assert.Equal(t, int64(0), res.Totals.PaidStripe)
		assert.True(t, res.Totals.Reconciles())
	})
}

func TestAllocate_NegativeRuleNeverIncreasesCost(t *testing.T) {
	bad := allocation.Source{
		Rail: ledger.RailLightrail,
		Value: &ledger.Value{
			ID: "bad", Active: true, Discount: true,
			BalanceRule: &ledger.Rule{Rule: "0 - currentLineItem.lineTotal.subtotal"},
		},
	}
	res, err := allocation.Allocate([]ledger.LineItem{item(800, "0")}, []allocation.Source{bad},
		allocation.Options{AllowRemainder: true})
	require.NoError(t, err)

	assert.Equal(t, int64(800), res.Totals.Payable)
	assert.Empty(t, res.Contributions)
}

func TestAllocate_RedemptionRuleSkipsLines(t *testing.T) {
	promo := allocation.Source{
		Rail: ledger.RailLightrail,
		Value: &ledger.Value{
			ID: "shoes-only", Active: true, Discount: true,
			BalanceRule:    &ledger.Rule{Rule: "currentLineItem.lineTotal.subtotal * 0.1"},
			RedemptionRule: &ledger.Rule{Rule: `currentLineItem.productId == "shoes"`},
			UsesRemaining:  ledger.Int64(3),
		},
	}
	shoes := item(1000, "0")
	shoes.ProductID = "shoes"
	hat := item(1000, "0")
	hat.ProductID = "hat"

	res, err := allocation.Allocate([]ledger.LineItem{shoes, hat}, []allocation.Source{promo},
		allocation.Options{AllowRemainder: true})
	require.NoError(t, err)

	assert.Equal(t, int64(100), res.Totals.Discount)
	require.Len(t, res.Contributions, 1)
	assert.Equal(t, int64(1), res.Contributions[0].UsesConsumed)
}

func TestAllocate_TaxRoundsHalfToEven(t *testing.T) {
	// 25 * 0.1 = 2.5 -> 2, 35 * 0.1 = 3.5 -> 4
	res, err := allocation.Allocate([]ledger.LineItem{item(25, "0.1"), item(35, "0.1")}, nil,
		allocation.Options{AllowRemainder: true})
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.LineItems[0].LineTotal.Tax)
	assert.Equal(t, int64(4), res.LineItems[1].LineTotal.Tax)
}

// =============================================================================
// ORDERING
// =============================================================================

func TestOrder_Phases(t *testing.T) {
	soon := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := soon.AddDate(1, 0, 0)

	plain := balanceSource(0, "plain", 100)
	expiring := balanceSource(1, "expiring", 100)
	expiring.Value.EndDate = &later
	expiringSooner := balanceSource(2, "expiring-sooner", 100)
	expiringSooner.Value.EndDate = &soon
	disc := balanceSource(3, "discount", 100)
	disc.Value.Discount = true
	generic := balanceSource(4, "generic", 100)
	generic.GenericDerived = true
	first := allocation.Source{Index: 5, Rail: ledger.RailInternal,
		Internal: &ledger.InternalParty{InternalID: "first", Balance: 1, BeforeLightrail: true}}
	last := allocation.Source{Index: 6, Rail: ledger.RailInternal,
		Internal: &ledger.InternalParty{InternalID: "last", Balance: 1}}
	card := stripeSource(7, nil)
	pre := balanceSource(8, "pretax", 100)
	pre.Value.Pretax = true

	pretax, postTax := allocation.Order([]allocation.Source{
		card, plain, expiring, expiringSooner, disc, generic, first, last, pre,
	})

	require.Len(t, pretax, 1)
	assert.Equal(t, "pretax", pretax[0].Value.ID)

	var got []int
	for _, s := range postTax {
		got = append(got, s.Index)
	}
	assert.Equal(t, []int{5, 3, 4, 2, 1, 0, 6, 7}, got)
}
