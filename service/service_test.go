package service_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/cardprocessor"
	"github.com/warp/valueledger/executor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/ledger/store"
	"github.com/warp/valueledger/planner"
	"github.com/warp/valueledger/service"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *service.Service
	cards *cardprocessor.Fake
	clock *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	cards := cardprocessor.NewFake()
	p := planner.New(st, nil, planner.DefaultConfig()).WithClock(c.Now)
	e := executor.New(st, cards, logger).WithClock(c.Now)
	svc := service.New(st, p, e, logger, service.Options{}).WithClock(c.Now)
	return &harness{svc: svc, cards: cards, clock: c}
}

func (h *harness) value(t *testing.T, id, currency string, balance int64) {
	t.Helper()
	_, err := h.svc.CreateValue(context.Background(), planner.CreateValueRequest{
		ID: id, Currency: currency, Balance: ledger.Int64(balance),
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	v, err := h.svc.GetValue(context.Background(), id)
	require.NoError(t, err)
	return *v.Balance
}

func lineItems(prices ...int64) []ledger.LineItem {
	out := make([]ledger.LineItem, len(prices))
	for i, p := range prices {
		out[i] = ledger.LineItem{UnitPrice: p, Quantity: 1, TaxRate: decimal.Zero}
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestDebit_BalanceAndCurrency(t *testing.T) {
	// GIVEN: A CAD value with balance 1000
	h := newHarness(t)
	h.value(t, "gc", "CAD", 1000)
	ctx := context.Background()

	// WHEN: Debiting 599
	tx, err := h.svc.Debit(ctx, planner.DebitRequest{
		ID: "d-1", Source: ledger.ValueParty("gc"), Currency: "CAD", Amount: ledger.Int64(599),
	})

	// THEN: The step records 1000 -> 401
	require.NoError(t, err)
	step := tx.Steps[0].Lightrail
	assert.Equal(t, int64(1000), *step.BalanceBefore)
	assert.Equal(t, int64(401), *step.BalanceAfter)
	assert.Equal(t, int64(-599), *step.BalanceChange)

	// AND: A USD debit against it is rejected
	_, err = h.svc.Debit(ctx, planner.DebitRequest{
		ID: "d-2", Source: ledger.ValueParty("gc"), Currency: "USD", Amount: ledger.Int64(1),
	})
	assert.Equal(t, ledger.CodeWrongCurrency, ledger.CodeOf(err))
	assert.Equal(t, 409, ledger.HTTPStatus(err))
	assert.Equal(t, int64(401), h.balance(t, "gc"))
}

func TestPendingDebit_VoidAndCapture(t *testing.T) {
	ctx := context.Background()
	pendingDebit := func(h *harness) *ledger.Transaction {
		tx, err := h.svc.Debit(ctx, planner.DebitRequest{
			ID: "d-1", Source: ledger.ValueParty("gc"), Currency: "CAD", Amount: ledger.Int64(10),
			Pending: &planner.Pending{Enabled: true},
		})
		require.NoError(t, err)
		return tx
	}

	t.Run("void restores the balance", func(t *testing.T) {
		h := newHarness(t)
		h.value(t, "gc", "CAD", 50)
		tx := pendingDebit(h)
		assert.True(t, tx.Pending)
		assert.NotNil(t, tx.PendingVoidDate)
		assert.Equal(t, int64(40), h.balance(t, "gc"))

		_, err := h.svc.Void(ctx, "d-1", planner.CompensationRequest{ID: "v-1"})
		require.NoError(t, err)

		assert.Equal(t, int64(50), h.balance(t, "gc"))
		root, err := h.svc.GetTransaction(ctx, "d-1")
		require.NoError(t, err)
		assert.False(t, root.Pending)
		assert.Equal(t, "v-1", root.NextTransactionID)
	})

	t.Run("capture keeps the balance", func(t *testing.T) {
		h := newHarness(t)
		h.value(t, "gc", "CAD", 50)
		pendingDebit(h)

		capture, err := h.svc.Capture(ctx, "d-1", planner.CompensationRequest{ID: "c-1"})
		require.NoError(t, err)

		assert.Equal(t, int64(40), h.balance(t, "gc"))
		assert.Zero(t, capture.Steps[0].NetChange())
		root, err := h.svc.GetTransaction(ctx, "d-1")
		require.NoError(t, err)
		assert.False(t, root.Pending)

		_, err = h.svc.Void(ctx, "d-1", planner.CompensationRequest{ID: "v-1"})
		assert.Equal(t, ledger.CodeTransactionCaptured, ledger.CodeOf(err))
	})
}

func TestCheckout_SplitsAcrossCards(t *testing.T) {
	h := newHarness(t)
	capped := ledger.CardParty("tok_visa")
	capped.Stripe.MaxAmount = ledger.Int64(100)

	tx, err := h.svc.Checkout(context.Background(), planner.CheckoutRequest{
		ID:        "chk-1",
		Currency:  "USD",
		LineItems: lineItems(250, 150),
		Sources:   []ledger.Party{capped, ledger.CardParty("tok_mastercard")},
	})

	require.NoError(t, err)
	require.Len(t, tx.Steps, 2)
	assert.Equal(t, int64(-100), tx.Steps[0].Stripe.Amount)
	assert.Equal(t, int64(-300), tx.Steps[1].Stripe.Amount)
	assert.NotEmpty(t, tx.Steps[0].Stripe.ChargeID)
	assert.Len(t, h.cards.Charges(), 2)
}

func TestCheckout_IdempotentID(t *testing.T) {
	h := newHarness(t)
	h.value(t, "gc", "CAD", 1000)
	ctx := context.Background()
	req := planner.CheckoutRequest{ID: "chk-1", Currency: "CAD", LineItems: lineItems(300), Sources: []ledger.Party{ledger.ValueParty("gc")}}

	_, err := h.svc.Checkout(ctx, req)
	require.NoError(t, err)
	_, err = h.svc.Checkout(ctx, req)

	assert.Equal(t, ledger.CodeTransactionExists, ledger.CodeOf(err))
	assert.Equal(t, int64(700), h.balance(t, "gc"))
}

func TestReverse_InvertsCheckout(t *testing.T) {
	// GIVEN: A checkout paid by a value and a card
	h := newHarness(t)
	h.value(t, "gc", "CAD", 300)
	ctx := context.Background()
	orig, err := h.svc.Checkout(ctx, planner.CheckoutRequest{
		ID:        "chk-1",
		Currency:  "CAD",
		LineItems: lineItems(500, 200),
		Sources:   []ledger.Party{ledger.CardParty("tok_visa"), ledger.ValueParty("gc")},
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), h.balance(t, "gc"))

	// WHEN: Reversing it
	rev, err := h.svc.Reverse(ctx, "chk-1", planner.CompensationRequest{ID: "rev-1"})
	require.NoError(t, err)

	// THEN: Totals are negated, value steps swap before/after, and money is back
	assert.Equal(t, orig.Totals.Negate(), rev.Totals)
	assert.Equal(t, *orig.Steps[0].Lightrail.BalanceBefore, *rev.Steps[0].Lightrail.BalanceAfter)
	assert.Equal(t, *orig.Steps[0].Lightrail.BalanceAfter, *rev.Steps[0].Lightrail.BalanceBefore)
	assert.Equal(t, int64(300), h.balance(t, "gc"))

	var net int64
	for _, s := range append(orig.Steps, rev.Steps...) {
		net += s.NetChange()
	}
	assert.Zero(t, net)
	for _, ch := range h.cards.Charges() {
		assert.True(t, ch.Refunded)
	}

	// AND: The chain is terminal
	_, err = h.svc.Reverse(ctx, "chk-1", planner.CompensationRequest{ID: "rev-2"})
	assert.Equal(t, ledger.CodeTransactionReversed, ledger.CodeOf(err))
	_, err = h.svc.Reverse(ctx, "rev-1", planner.CompensationRequest{ID: "rev-3"})
	assert.Equal(t, ledger.CodeTransactionNotReversible, ledger.CodeOf(err))

	chain, err := h.svc.GetChain(ctx, "rev-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "chk-1", chain[0].ID)
	assert.Equal(t, "rev-1", chain[1].ID)
}

func TestCheckout_NoDoubleSpend(t *testing.T) {
	// GIVEN: A value that can pay for exactly one cart
	h := newHarness(t)
	h.value(t, "gc", "CAD", 100)
	ctx := context.Background()

	// WHEN: Ten checkouts race for it
	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Checkout(ctx, planner.CheckoutRequest{
				ID:        "chk-" + string(rune('a'+i)),
				Currency:  "CAD",
				LineItems: lineItems(100),
				Sources:   []ledger.Party{ledger.ValueParty("gc")},
			})
			switch {
			case err == nil:
				ok.Add(1)
			case ledger.HTTPStatus(err) == 409:
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one wins and the balance moved once
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), conflict.Load())
	assert.Equal(t, int64(0), h.balance(t, "gc"))
}

func TestReverse_NoDoubleReverse(t *testing.T) {
	// GIVEN: A checkout paid by a value and a card
	h := newHarness(t)
	h.value(t, "gc", "CAD", 300)
	ctx := context.Background()
	_, err := h.svc.Checkout(ctx, planner.CheckoutRequest{
		ID:        "chk-1",
		Currency:  "CAD",
		LineItems: lineItems(500),
		Sources:   []ledger.Party{ledger.ValueParty("gc"), ledger.CardParty("tok_visa")},
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), h.balance(t, "gc"))

	// WHEN: Ten reverses of it race, each with its own id
	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Reverse(ctx, "chk-1", planner.CompensationRequest{ID: "rev-" + string(rune('a'+i))})
			switch {
			case err == nil:
				ok.Add(1)
			case ledger.HTTPStatus(err) == 409:
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one wins, the value is credited once, and the card is
	// refunded once
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), conflict.Load())
	assert.Equal(t, int64(300), h.balance(t, "gc"))

	var refunds int
	for _, c := range h.cards.Calls() {
		if strings.HasPrefix(c, "refund:") {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)

	chain, err := h.svc.GetChain(ctx, "chk-1")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestAttach_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateContact(ctx, ledger.Contact{ID: "alice"})
	require.NoError(t, err)
	_, err = h.svc.CreateValue(ctx, planner.CreateValueRequest{
		ID: "generic", Currency: "CAD", Balance: ledger.Int64(1000), Code: "WELCOME-2026", IsGenericCode: true,
		GenericCodeOptions: &ledger.GenericCodeOptions{PerContact: ledger.PerContact{Balance: ledger.Int64(100)}},
	})
	require.NoError(t, err)

	first, err := h.svc.Attach(ctx, planner.AttachRequest{ContactID: "alice", Code: "WELCOME-2026"})
	require.NoError(t, err)
	second, err := h.svc.Attach(ctx, planner.AttachRequest{ContactID: "alice", ValueID: "generic"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", first.ContactID)
	assert.Equal(t, int64(100), *first.Balance)
	assert.Equal(t, int64(900), h.balance(t, "generic"))
}

func TestUpdateValue_FreezeAndCancel(t *testing.T) {
	h := newHarness(t)
	h.value(t, "gc", "CAD", 100)
	ctx := context.Background()
	yes, no := true, false

	_, err := h.svc.UpdateValue(ctx, "gc", service.ValueUpdate{Frozen: &yes})
	require.NoError(t, err)
	_, err = h.svc.Debit(ctx, planner.DebitRequest{ID: "d-1", Source: ledger.ValueParty("gc"), Currency: "CAD", Amount: ledger.Int64(1)})
	assert.Equal(t, ledger.CodeValueFrozen, ledger.CodeOf(err))

	_, err = h.svc.UpdateValue(ctx, "gc", service.ValueUpdate{Frozen: &no, Canceled: &yes})
	require.NoError(t, err)
	_, err = h.svc.UpdateValue(ctx, "gc", service.ValueUpdate{Canceled: &no})
	assert.Equal(t, ledger.CodeValueCanceled, ledger.CodeOf(err))
}

// =============================================================================
// SWEEPER
// =============================================================================

func TestSweeper_VoidsExpiredPending(t *testing.T) {
	// GIVEN: A pending debit that expires in one hour
	h := newHarness(t)
	h.value(t, "gc", "CAD", 50)
	ctx := context.Background()
	_, err := h.svc.Debit(ctx, planner.DebitRequest{
		ID: "d-1", Source: ledger.ValueParty("gc"), Currency: "CAD", Amount: ledger.Int64(10),
		Pending: &planner.Pending{Enabled: true, Duration: time.Hour},
	})
	require.NoError(t, err)
	sweeper := service.NewSweeper(h.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// WHEN: Sweeping before and after the void date
	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.SweepResult{}, res)

	h.clock.Advance(2 * time.Hour)
	res, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	// THEN: The debit is voided once and the balance restored
	assert.Equal(t, service.SweepResult{Voided: 1}, res)
	assert.Equal(t, int64(50), h.balance(t, "gc"))
	void, err := h.svc.GetTransaction(ctx, "d-1-void")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxVoid, void.Type)

	res, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.SweepResult{}, res)

	// AND: A user capture after expiry is refused
	_, err = h.svc.Capture(ctx, "d-1", planner.CompensationRequest{ID: "c-1"})
	assert.Error(t, err)
}

func TestSweeper_VoidsLongRootID(t *testing.T) {
	// GIVEN: A pending debit whose id is as long as ids may be
	h := newHarness(t)
	h.value(t, "gc", "CAD", 50)
	ctx := context.Background()
	rootID := strings.Repeat("p", 64)
	_, err := h.svc.Debit(ctx, planner.DebitRequest{
		ID: rootID, Source: ledger.ValueParty("gc"), Currency: "CAD", Amount: ledger.Int64(10),
		Pending: &planner.Pending{Enabled: true, Duration: time.Hour},
	})
	require.NoError(t, err)
	require.Equal(t, int64(40), h.balance(t, "gc"))
	sweeper := service.NewSweeper(h.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// WHEN: The void date passes and the sweep runs twice
	h.clock.Advance(2 * time.Hour)
	first, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	second, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	// THEN: The debit is voided once under a bounded id and the balance is released
	assert.Equal(t, service.SweepResult{Voided: 1}, first)
	assert.Equal(t, service.SweepResult{}, second)
	assert.Equal(t, int64(50), h.balance(t, "gc"))

	voidID := planner.ExpiryVoidID(rootID)
	assert.LessOrEqual(t, len(voidID), 64)
	void, err := h.svc.GetTransaction(ctx, voidID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxVoid, void.Type)
	assert.Equal(t, rootID, void.RootTransactionID)
}
