// Package storetest is a conformance suite every ledger.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/ledger"
)

// Open returns an empty store. It is called once per subtest.
type Open func(t *testing.T) ledger.Store

var base = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Open) {
	t.Run("ValueRoundTrip", func(t *testing.T) { testValueRoundTrip(t, open(t)) })
	t.Run("ValueCollisions", func(t *testing.T) { testValueCollisions(t, open(t)) })
	t.Run("ApplyValueDelta", func(t *testing.T) { testApplyValueDelta(t, open(t)) })
	t.Run("UpdateValue", func(t *testing.T) { testUpdateValue(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("Contacts", func(t *testing.T) { testContacts(t, open(t)) })
	t.Run("TransactionRoundTrip", func(t *testing.T) { testTransactionRoundTrip(t, open(t)) })
	t.Run("ChainLinkage", func(t *testing.T) { testChainLinkage(t, open(t)) })
	t.Run("ExpiredPending", func(t *testing.T) { testExpiredPending(t, open(t)) })
	t.Run("TransactionIDReservation", func(t *testing.T) { testTransactionIDReservation(t, open(t)) })
}

func insertValues(t *testing.T, st ledger.Store, values ...ledger.Value) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx ledger.Tx) error {
		for _, v := range values {
			if err := tx.InsertValue(ctx, v); err != nil {
				return err
			}
		}
		return nil
	}))
}

func insertTransactions(t *testing.T, st ledger.Store, txs ...ledger.Transaction) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx ledger.Tx) error {
		for _, tr := range txs {
			if err := tx.InsertTransaction(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	}))
}

func value(id string, balance int64) ledger.Value {
	return ledger.Value{
		ID:          id,
		Currency:    "CAD",
		Balance:     ledger.Int64(balance),
		Active:      true,
		CreatedDate: base,
		UpdatedDate: base,
	}
}

func debit(id, valueID string, before, change int64) ledger.Transaction {
	return ledger.Transaction{
		ID:                id,
		RootTransactionID: id,
		Type:              ledger.TxDebit,
		Currency:          "CAD",
		Steps: []ledger.Step{ledger.NewLightrailStep(ledger.LightrailStep{
			ValueID:       valueID,
			BalanceBefore: ledger.Int64(before),
			BalanceAfter:  ledger.Int64(before + change),
			BalanceChange: ledger.Int64(change),
		})},
		CreatedDate: base,
	}
}

// =============================================================================
// VALUES
// =============================================================================

func testValueRoundTrip(t *testing.T, st ledger.Store) {
	ctx := context.Background()

	// GIVEN: a promotion with rules, dates and untracked balance
	end := base.Add(30 * 24 * time.Hour)
	promo := ledger.Value{
		ID:             "promo-1",
		Currency:       "USD",
		UsesRemaining:  ledger.Int64(3),
		BalanceRule:    &ledger.Rule{Rule: "500", Explanation: "$5 off"},
		RedemptionRule: &ledger.Rule{Rule: "currentLineItem.quantity > 1", Explanation: "multi-buy"},
		Discount:       true,
		Pretax:         true,
		Active:         true,
		StartDate:      &base,
		EndDate:        &end,
		Code:           "SPRING-2026",
		IsGenericCode:  true,
		GenericCodeOptions: &ledger.GenericCodeOptions{
			PerContact: ledger.PerContact{UsesRemaining: ledger.Int64(1)},
		},
		Metadata:    map[string]any{"campaign": "spring"},
		CreatedDate: base,
		UpdatedDate: base,
		CreatedBy:   "user-1",
	}
	insertValues(t, st, promo)

	// WHEN: reading by id and by code
	byID, err := st.GetValue(ctx, "promo-1")
	require.NoError(t, err)
	byCode, err := st.GetValueByCode(ctx, "SPRING-2026")
	require.NoError(t, err)

	// THEN: every field survives
	assert.Equal(t, byID.ID, byCode.ID)
	assert.Nil(t, byID.Balance)
	require.NotNil(t, byID.UsesRemaining)
	assert.Equal(t, int64(3), *byID.UsesRemaining)
	assert.Equal(t, promo.BalanceRule, byID.BalanceRule)
	assert.Equal(t, promo.RedemptionRule, byID.RedemptionRule)
	assert.True(t, byID.Discount)
	assert.True(t, byID.Pretax)
	assert.True(t, byID.IsGenericCode)
	require.NotNil(t, byID.StartDate)
	assert.True(t, byID.StartDate.Equal(base))
	require.NotNil(t, byID.EndDate)
	assert.True(t, byID.EndDate.Equal(end))
	require.NotNil(t, byID.GenericCodeOptions)
	assert.Equal(t, int64(1), *byID.GenericCodeOptions.PerContact.UsesRemaining)
	assert.Equal(t, "spring", byID.Metadata["campaign"])
	assert.Equal(t, "user-1", byID.CreatedBy)

	_, err = st.GetValue(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)
	_, err = st.GetValueByCode(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)
}

func testValueCollisions(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	v := value("gc-1", 100)
	v.Code = "SECRET"
	insertValues(t, st, v)

	// WHEN: inserting the same id, then the same code
	errID := st.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertValue(ctx, value("gc-1", 5)) })
	dup := value("gc-2", 5)
	dup.Code = "SECRET"
	errCode := st.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertValue(ctx, dup) })

	// THEN: both collide
	assert.ErrorIs(t, errID, ledger.ErrValueExists)
	assert.ErrorIs(t, errCode, ledger.ErrValueExists)
	_, err := st.GetValue(ctx, "gc-2")
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)
}

func testApplyValueDelta(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	untracked := value("promo", 0)
	untracked.Balance = nil
	insertValues(t, st, value("gc-1", 1000), untracked)

	apply := func(id string, balance, uses int64) (*ledger.Value, error) {
		var out *ledger.Value
		err := st.WithTx(ctx, func(tx ledger.Tx) error {
			v, err := tx.ApplyValueDelta(ctx, id, balance, uses)
			out = v
			return err
		})
		return out, err
	}

	// WHEN: debiting within the balance
	v, err := apply("gc-1", -600, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(400), *v.Balance)

	// WHEN: debiting past zero
	_, err = apply("gc-1", -401, 0)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// WHEN: changing an untracked balance
	_, err = apply("promo", -1, 0)
	assert.ErrorIs(t, err, ledger.ErrNullBalance)
	_, err = apply("promo", 0, -1)
	assert.ErrorIs(t, err, ledger.ErrNullUses)

	// WHEN: the value does not exist
	_, err = apply("missing", -1, 0)
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)

	// THEN: only the first debit landed
	got, err := st.GetValue(ctx, "gc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), *got.Balance)
}

func testUpdateValue(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	insertValues(t, st, value("gc-1", 1000))

	// WHEN: freezing and extending the value
	end := base.Add(time.Hour)
	err := st.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := tx.LockValue(ctx, "gc-1")
		if err != nil {
			return err
		}
		v.Frozen = true
		v.EndDate = &end
		v.Balance = ledger.Int64(1)
		return tx.UpdateValue(ctx, *v)
	})
	require.NoError(t, err)

	// THEN: flags and dates change, the balance does not
	got, err := st.GetValue(ctx, "gc-1")
	require.NoError(t, err)
	assert.True(t, got.Frozen)
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(end))
	assert.Equal(t, int64(1000), *got.Balance)

	err = st.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.UpdateValue(ctx, value("missing", 0))
	})
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)
}

func testRollback(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	insertValues(t, st, value("gc-1", 1000))
	boom := errors.New("boom")

	// WHEN: the function fails after writing
	err := st.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.ApplyValueDelta(ctx, "gc-1", -100, 0); err != nil {
			return err
		}
		if err := tx.InsertValue(ctx, value("gc-2", 5)); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, debit("tx-1", "gc-1", 1000, -100)); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing is visible
	assert.ErrorIs(t, err, boom)
	got, err := st.GetValue(ctx, "gc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), *got.Balance)
	_, err = st.GetValue(ctx, "gc-2")
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)
	exists, err := st.TransactionExists(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testContacts(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	require.NoError(t, st.SaveContact(ctx, ledger.Contact{ID: "c-1", Email: "a@example.com"}))
	require.NoError(t, st.SaveContact(ctx, ledger.Contact{ID: "c-1", Email: "b@example.com"}))

	c, err := st.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", c.Email)
	assert.False(t, c.CreatedDate.IsZero())

	_, err = st.GetContact(ctx, "c-2")
	assert.ErrorIs(t, err, ledger.ErrContactNotFound)

	// GIVEN: two attached values inserted out of order
	b := value("val-b", 1)
	b.ContactID = "c-1"
	a := value("val-a", 1)
	a.ContactID = "c-1"
	insertValues(t, st, b, a, value("val-c", 1))

	values, err := st.ListContactValues(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "val-a", values[0].ID)
	assert.Equal(t, "val-b", values[1].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTransactionRoundTrip(t *testing.T, st ledger.Store) {
	ctx := context.Background()

	// GIVEN: a checkout touching every rail
	void := base.Add(time.Hour)
	tr := ledger.Transaction{
		ID:       "chk-1",
		Type:     ledger.TxCheckout,
		Currency: "USD",
		Totals:   &ledger.Totals{Subtotal: 500, Payable: 500, PaidLightrail: 200, PaidStripe: 300},
		LineItems: []ledger.LineItem{{
			ProductID: "sku-1",
			UnitPrice: 500,
			Quantity:  1,
			LineTotal: &ledger.LineTotal{Subtotal: 500, Payable: 500},
		}},
		Steps: []ledger.Step{
			ledger.NewLightrailStep(ledger.LightrailStep{
				ValueID:       "gc-1",
				BalanceBefore: ledger.Int64(200),
				BalanceAfter:  ledger.Int64(0),
				BalanceChange: ledger.Int64(-200),
			}),
			ledger.NewStripeStep(ledger.StripeStep{
				Operation:      ledger.StripeCharge,
				Amount:         -300,
				ChargeID:       "ch_1",
				IdempotencyKey: "chk-1-1",
			}),
		},
		PaymentSources:  []ledger.Party{ledger.ValueParty("gc-1"), ledger.CardParty("tok_visa")},
		Pending:         true,
		PendingVoidDate: &void,
		Metadata:        map[string]any{"order": "o-9"},
		CreatedDate:     base,
	}
	insertTransactions(t, st, tr)

	// WHEN: reading it back
	got, err := st.GetTransaction(ctx, "chk-1")
	require.NoError(t, err)

	// THEN: the root defaults to itself and nested data survives
	assert.Equal(t, "chk-1", got.RootTransactionID)
	assert.True(t, got.IsRoot())
	assert.Equal(t, ledger.TxCheckout, got.Type)
	assert.Equal(t, tr.Totals, got.Totals)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, int64(500), got.LineItems[0].LineTotal.Payable)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, int64(-200), *got.Steps[0].Lightrail.BalanceChange)
	assert.Equal(t, "ch_1", got.Steps[1].Stripe.ChargeID)
	require.Len(t, got.PaymentSources, 2)
	assert.Equal(t, "tok_visa", got.PaymentSources[1].Stripe.Source)
	assert.True(t, got.Pending)
	require.NotNil(t, got.PendingVoidDate)
	assert.True(t, got.PendingVoidDate.Equal(void))
	assert.Equal(t, "o-9", got.Metadata["order"])

	exists, err := st.TransactionExists(ctx, "chk-1")
	require.NoError(t, err)
	assert.True(t, exists)

	err = st.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertTransaction(ctx, tr) })
	assert.ErrorIs(t, err, ledger.ErrTransactionExists)

	_, err = st.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func testChainLinkage(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	root := debit("d-1", "gc-1", 100, -50)
	root.Pending = true
	insertTransactions(t, st, root)

	// WHEN: a capture joins the chain
	capture := debit("cap-1", "gc-1", 50, 0)
	capture.Type = ledger.TxCapture
	capture.RootTransactionID = "d-1"
	err := st.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockTransaction(ctx, "d-1"); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, capture); err != nil {
			return err
		}
		if err := tx.LinkNext(ctx, "d-1", "cap-1"); err != nil {
			return err
		}
		return tx.ResolvePending(ctx, "d-1")
	})
	require.NoError(t, err)

	// THEN: the chain reads in order and the root is resolved
	chain, err := st.GetChain(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "d-1", chain[0].ID)
	assert.Equal(t, "cap-1", chain[0].NextTransactionID)
	assert.False(t, chain[0].Pending)
	assert.Nil(t, chain[0].PendingVoidDate)
	assert.Equal(t, "cap-1", chain[1].ID)

	// WHEN: a second successor races for the same tail
	err = st.WithTx(ctx, func(tx ledger.Tx) error { return tx.LinkNext(ctx, "d-1", "void-1") })
	assert.ErrorIs(t, err, ledger.ErrChainConflict)

	err = st.WithTx(ctx, func(tx ledger.Tx) error { return tx.LinkNext(ctx, "missing", "x") })
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	err = st.WithTx(ctx, func(tx ledger.Tx) error { return tx.ResolvePending(ctx, "missing") })
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func testExpiredPending(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	pending := func(id string, voidAt time.Time) ledger.Transaction {
		tr := debit(id, "gc-1", 100, -10)
		tr.Pending = true
		tr.PendingVoidDate = &voidAt
		return tr
	}
	insertTransactions(t, st,
		pending("p-late", base.Add(2*time.Hour)),
		pending("p-early", base.Add(time.Hour)),
		pending("p-future", base.Add(48*time.Hour)),
		debit("settled", "gc-1", 100, -10),
	)

	// WHEN: sweeping a day later
	expired, err := st.ListExpiredPending(ctx, base.Add(24*time.Hour), 0)
	require.NoError(t, err)

	// THEN: only past-due pending roots, oldest first
	require.Len(t, expired, 2)
	assert.Equal(t, "p-early", expired[0].ID)
	assert.Equal(t, "p-late", expired[1].ID)

	limited, err := st.ListExpiredPending(ctx, base.Add(24*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "p-early", limited[0].ID)

	// The boundary is inclusive.
	atVoid, err := st.ListExpiredPending(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, atVoid, 1)
}

func testTransactionIDReservation(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	insertValues(t, st, value("gc-1", 100))
	insertTransactions(t, st, debit("d-1", "gc-1", 100, -50))
	reserve := func(id string) error {
		return st.WithTx(ctx, func(tx ledger.Tx) error { return tx.ReserveTransactionID(ctx, id) })
	}

	// GIVEN: a fresh id, a stored id and a compensated id
	require.NoError(t, reserve("d-2"))
	require.NoError(t, st.MarkCompensated(ctx, "chk-1", "disk full"))

	// WHEN/THEN: only the fresh id can be reserved, and a reservation
	// that was rolled back leaves nothing behind
	assert.NoError(t, reserve("d-2"))
	assert.ErrorIs(t, reserve("d-1"), ledger.ErrTransactionExists)
	assert.ErrorIs(t, reserve("chk-1"), ledger.ErrTransactionExists)

	exists, err := st.TransactionExists(ctx, "chk-1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = st.TransactionExists(ctx, "d-2")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = st.GetTransaction(ctx, "chk-1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	// Marking twice is harmless.
	assert.NoError(t, st.MarkCompensated(ctx, "chk-1", "again"))

	// A compensated id can not be stored either.
	err = st.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.ReserveTransactionID(ctx, "chk-1"); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, debit("chk-1", "gc-1", 50, -10))
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionExists)
}
