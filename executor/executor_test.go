package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/cardprocessor"
	"github.com/warp/valueledger/executor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/ledger/store"
	"github.com/warp/valueledger/planner"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    ledger.Store
	mem      *store.Memory
	planner  *planner.Planner
	executor *executor.Executor
}

func newFixture(t *testing.T, st ledger.Store, mem *store.Memory, cards cardprocessor.Processor) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	return &fixture{
		store:    st,
		mem:      mem,
		planner:  planner.New(st, nil, planner.DefaultConfig()).WithClock(clock),
		executor: executor.New(st, cards, quietLogger()).WithClock(clock),
	}
}

func (f *fixture) seedValue(t *testing.T, id string, balance int64) {
	t.Helper()
	v := ledger.Value{ID: id, Currency: "CAD", Balance: ledger.Int64(balance), Active: true}
	require.NoError(t, f.mem.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertValue(context.Background(), v)
	}))
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	v, err := f.store.GetValue(context.Background(), id)
	require.NoError(t, err)
	return *v.Balance
}

func debit(id, valueID string, amount int64) planner.DebitRequest {
	return planner.DebitRequest{ID: id, Source: ledger.ValueParty(valueID), Currency: "CAD", Amount: ledger.Int64(amount)}
}

func checkout(id string, price int64, sources ...ledger.Party) planner.CheckoutRequest {
	return planner.CheckoutRequest{
		ID:        id,
		Currency:  "CAD",
		LineItems: []ledger.LineItem{{UnitPrice: price, Quantity: 1, TaxRate: decimal.Zero}},
		Sources:   sources,
	}
}

// failingStore fails every InsertTransaction, after card calls have run.
type failingStore struct {
	*store.Memory
}

func (s failingStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct {
	ledger.Tx
}

func (failingTx) InsertTransaction(context.Context, ledger.Transaction) error {
	return errors.New("disk full")
}

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Charge(ctx context.Context, p cardprocessor.ChargeParams) (*cardprocessor.Charge, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cardprocessor.Charge), args.Error(1)
}

func (m *MockProcessor) Refund(ctx context.Context, p cardprocessor.RefundParams) (*cardprocessor.Refund, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cardprocessor.Refund), args.Error(1)
}

func (m *MockProcessor) Capture(ctx context.Context, p cardprocessor.CaptureParams) (*cardprocessor.Charge, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cardprocessor.Charge), args.Error(1)
}

func (m *MockProcessor) UpdateCharge(ctx context.Context, chargeID string, metadata map[string]string) error {
	args := m.Called(ctx, chargeID, metadata)
	return args.Error(0)
}

// =============================================================================
// TESTS
// =============================================================================

func TestExecute_Debit(t *testing.T) {
	// GIVEN: A value with balance 1000
	mem := store.NewMemory()
	f := newFixture(t, mem, mem, cardprocessor.NewFake())
	f.seedValue(t, "gc", 1000)
	ctx := context.Background()

	// WHEN: Debiting 599
	plan, err := f.planner.PlanDebit(ctx, debit("d-1", "gc", 599))
	require.NoError(t, err)
	tx, err := f.executor.Execute(ctx, plan)

	// THEN: The balance is 401 and the transaction is stored
	require.NoError(t, err)
	assert.Equal(t, int64(401), f.balance(t, "gc"))
	stored, err := f.store.GetTransaction(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, tx.Steps, stored.Steps)
	assert.Equal(t, "d-1", stored.RootTransactionID)
}

func TestExecute_SimulateWritesNothing(t *testing.T) {
	mem := store.NewMemory()
	fake := cardprocessor.NewFake()
	f := newFixture(t, mem, mem, fake)
	f.seedValue(t, "gc", 100)
	ctx := context.Background()

	req := checkout("chk-1", 500, ledger.ValueParty("gc"), ledger.CardParty("tok_visa"))
	req.Simulate = true
	plan, err := f.planner.PlanCheckout(ctx, req)
	require.NoError(t, err)
	tx, err := f.executor.Execute(ctx, plan)

	require.NoError(t, err)
	assert.Equal(t, int64(400), tx.Totals.PaidStripe)
	assert.Equal(t, int64(100), f.balance(t, "gc"))
	assert.Empty(t, fake.Calls())
	exists, err := f.store.TransactionExists(ctx, "chk-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecute_DuplicateIDRejected(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem, mem, cardprocessor.NewFake())
	f.seedValue(t, "gc", 1000)
	ctx := context.Background()

	plan, err := f.planner.PlanDebit(ctx, debit("d-1", "gc", 10))
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, plan)
	require.NoError(t, err)

	again, err := f.planner.PlanDebit(ctx, debit("d-1", "gc", 10))
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, again)

	assert.Equal(t, ledger.CodeTransactionExists, ledger.CodeOf(err))
	assert.False(t, ledger.IsReplanable(err))
	assert.Equal(t, int64(990), f.balance(t, "gc"))
}

func TestExecute_StalePlanIsReplanable(t *testing.T) {
	// GIVEN: A plan built while the balance was 1000
	mem := store.NewMemory()
	f := newFixture(t, mem, mem, cardprocessor.NewFake())
	f.seedValue(t, "gc", 1000)
	ctx := context.Background()
	stale, err := f.planner.PlanDebit(ctx, debit("d-1", "gc", 600))
	require.NoError(t, err)

	// WHEN: Another debit lands first
	other, err := f.planner.PlanDebit(ctx, debit("d-2", "gc", 600))
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, other)
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, stale)

	// THEN: The stale plan fails as replanable and nothing else changes
	assert.Equal(t, ledger.CodeValueChanged, ledger.CodeOf(err))
	assert.True(t, ledger.IsReplanable(err))
	assert.Equal(t, int64(400), f.balance(t, "gc"))
}

func TestExecute_FrozenAfterPlanningFails(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem, mem, cardprocessor.NewFake())
	ctx := context.Background()
	v := ledger.Value{ID: "gc", Currency: "CAD", Balance: ledger.Int64(1000), Active: true}
	require.NoError(t, mem.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertValue(ctx, v) }))

	plan, err := f.planner.PlanDebit(ctx, debit("d-1", "gc", 10))
	require.NoError(t, err)

	// Freeze behind the planner's back: the before-state still matches.
	require.NoError(t, mem.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := tx.LockValue(ctx, "gc")
		if err != nil {
			return err
		}
		v.Frozen = true
		return tx.UpdateValue(ctx, *v)
	}))
	_, err = f.executor.Execute(ctx, plan)

	assert.Equal(t, ledger.CodeValueFrozen, ledger.CodeOf(err))
	assert.False(t, ledger.IsReplanable(err))
}

func TestExecute_RefundsChargesWhenLedgerWriteFails(t *testing.T) {
	// GIVEN: A store whose transaction insert fails
	mem := store.NewMemory()
	fake := cardprocessor.NewFake()
	f := newFixture(t, failingStore{mem}, mem, fake)
	f.seedValue(t, "gc", 100)
	ctx := context.Background()

	// WHEN: A checkout charges the card, then the write fails
	plan, err := f.planner.PlanCheckout(ctx, checkout("chk-1", 500, ledger.ValueParty("gc"), ledger.CardParty("tok_visa")))
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, plan)

	// THEN: The charge is refunded once, the error is final, and the value is untouched
	require.Error(t, err)
	assert.False(t, ledger.IsReplanable(err))
	assert.Equal(t, []string{"charge:chk-1-1", "refund:chk-1-1-refund"}, fake.Calls())
	for _, ch := range fake.Charges() {
		assert.True(t, ch.Refunded)
	}
	assert.Equal(t, int64(100), f.balance(t, "gc"))
}

func TestExecute_DeclineLeavesLedgerUntouched(t *testing.T) {
	mem := store.NewMemory()
	cards := new(MockProcessor)
	f := newFixture(t, mem, mem, cards)
	f.seedValue(t, "gc", 100)
	ctx := context.Background()

	cards.On("Charge", mock.Anything, mock.MatchedBy(func(p cardprocessor.ChargeParams) bool {
		return p.Amount == 400 && p.IdempotencyKey == "chk-1-1"
	})).Return(nil, &cardprocessor.Error{Kind: cardprocessor.KindCardDeclined, Code: "card_declined", Message: "Your card was declined."})

	plan, err := f.planner.PlanCheckout(ctx, checkout("chk-1", 500, ledger.ValueParty("gc"), ledger.CardParty("tok_visa")))
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, plan)

	assert.Equal(t, ledger.CodeStripeCardDeclined, ledger.CodeOf(err))
	e, ok := ledger.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "card_declined", e.Details["stripeError"].(map[string]any)["code"])
	assert.Equal(t, int64(100), f.balance(t, "gc"))
	cards.AssertExpectations(t)
	cards.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestExecute_TagsChargesAfterCommit(t *testing.T) {
	mem := store.NewMemory()
	cards := new(MockProcessor)
	f := newFixture(t, mem, mem, cards)
	ctx := context.Background()

	cards.On("Charge", mock.Anything, mock.Anything).
		Return(&cardprocessor.Charge{ID: "ch_1", Amount: 500, Currency: "cad", Captured: true, Status: "succeeded"}, nil)
	cards.On("UpdateCharge", mock.Anything, "ch_1", map[string]string{"lightrailTransactionId": "chk-1"}).
		Return(errors.New("timeout"))

	plan, err := f.planner.PlanCheckout(ctx, checkout("chk-1", 500, ledger.CardParty("tok_visa")))
	require.NoError(t, err)
	tx, err := f.executor.Execute(ctx, plan)

	// A failed tag does not fail the transaction.
	require.NoError(t, err)
	assert.Equal(t, "ch_1", tx.Steps[0].Stripe.ChargeID)
	assert.Empty(t, plan.Transaction.Steps[0].Stripe.ChargeID)
	cards.AssertExpectations(t)
}

func TestExecute_RetryAfterCompensationRejected(t *testing.T) {
	// GIVEN: A card checkout whose ledger write failed and was refunded
	mem := store.NewMemory()
	fake := cardprocessor.NewFake()
	ctx := context.Background()
	broken := newFixture(t, failingStore{mem}, mem, fake)
	plan, err := broken.planner.PlanCheckout(ctx, checkout("chk-1", 500, ledger.CardParty("tok_visa")))
	require.NoError(t, err)
	_, err = broken.executor.Execute(ctx, plan)
	require.Error(t, err)
	require.Equal(t, []string{"charge:chk-1-0", "refund:chk-1-0-refund"}, fake.Calls())

	// WHEN: The client retries the same id against a healthy store
	healthy := newFixture(t, mem, mem, fake)
	plan, err = healthy.planner.PlanCheckout(ctx, checkout("chk-1", 500, ledger.CardParty("tok_visa")))
	require.NoError(t, err)
	_, err = healthy.executor.Execute(ctx, plan)

	// THEN: The id is taken, the card is not charged again, and nothing is stored
	assert.Equal(t, ledger.CodeTransactionExists, ledger.CodeOf(err))
	assert.Len(t, fake.Calls(), 2)
	_, err = mem.GetTransaction(ctx, "chk-1")
	assert.Equal(t, ledger.CodeTransactionNotFound, ledger.CodeOf(err))
}

func TestExecute_RefundedChargeReplayNotCommitted(t *testing.T) {
	// GIVEN: A processor that replays a charge already refunded in full
	mem := store.NewMemory()
	cards := new(MockProcessor)
	f := newFixture(t, mem, mem, cards)
	ctx := context.Background()
	cards.On("Charge", mock.Anything, mock.Anything).
		Return(&cardprocessor.Charge{ID: "ch_1", Amount: 500, AmountRefunded: 500, Currency: "cad", Captured: true, Refunded: true, Status: "succeeded"}, nil)

	// WHEN: The checkout runs
	plan, err := f.planner.PlanCheckout(ctx, checkout("chk-1", 500, ledger.CardParty("tok_visa")))
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, plan)

	// THEN: It fails without refunding again and the ledger has no record
	assert.Equal(t, ledger.CodeTransactionExists, ledger.CodeOf(err))
	assert.False(t, ledger.IsReplanable(err))
	cards.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	cards.AssertNotCalled(t, "UpdateCharge", mock.Anything, mock.Anything, mock.Anything)
	exists, err := mem.TransactionExists(ctx, "chk-1")
	require.NoError(t, err)
	assert.False(t, exists)
}
