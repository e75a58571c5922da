package cardprocessor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/cardprocessor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFake_ReplaysIdempotentCharge(t *testing.T) {
	// GIVEN: A charge made with key k
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	params := cardprocessor.ChargeParams{Amount: 500, Currency: "USD", Source: "tok_visa", Capture: true, IdempotencyKey: "tx-1-2"}

	first, err := fake.Charge(ctx, params)
	require.NoError(t, err)

	// WHEN: The same key is used again
	second, err := fake.Charge(ctx, params)
	require.NoError(t, err)

	// THEN: The original charge is returned and only one exists
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, fake.Charges(), 1)
}

func TestFake_RefundOncePerKey(t *testing.T) {
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	ch, err := fake.Charge(ctx, cardprocessor.ChargeParams{Amount: 300, Currency: "USD", Source: "tok_visa", IdempotencyKey: "k"})
	require.NoError(t, err)

	r1, err := fake.Refund(ctx, cardprocessor.RefundParams{ChargeID: ch.ID, IdempotencyKey: "k-refund"})
	require.NoError(t, err)
	r2, err := fake.Refund(ctx, cardprocessor.RefundParams{ChargeID: ch.ID, IdempotencyKey: "k-refund"})
	require.NoError(t, err)

	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, int64(300), fake.Charges()[ch.ID].AmountRefunded)

	_, err = fake.Refund(ctx, cardprocessor.RefundParams{ChargeID: ch.ID, IdempotencyKey: "other"})
	assert.Equal(t, cardprocessor.KindInvalidRequest, cardprocessor.KindOf(err))
}

func TestFake_Declined(t *testing.T) {
	_, err := cardprocessor.NewFake().Charge(context.Background(),
		cardprocessor.ChargeParams{Amount: 100, Currency: "USD", Source: cardprocessor.FakeTokenDeclined})

	assert.Equal(t, cardprocessor.KindCardDeclined, cardprocessor.KindOf(err))
	assert.False(t, cardprocessor.Retryable(err))
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	// GIVEN: The first charge attempt fails with a connection error
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	fake.FailNext("charge", &cardprocessor.Error{Kind: cardprocessor.KindConnection, Message: "reset"})
	r := cardprocessor.NewRetrying(fake, 3, quietLogger()).WithInitialInterval(time.Millisecond)

	// WHEN: Charging through the retrying decorator
	ch, err := r.Charge(ctx, cardprocessor.ChargeParams{Amount: 100, Currency: "USD", Source: "tok_visa", IdempotencyKey: "k"})

	// THEN: The second attempt succeeds with the same key
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, []string{"charge:k", "charge:k"}, fake.Calls())
}

func TestRetrying_ExhaustedBecomesUnavailable(t *testing.T) {
	fake := cardprocessor.NewFake()
	r := cardprocessor.NewRetrying(fake, 2, quietLogger()).WithInitialInterval(time.Millisecond)

	_, err := r.Charge(context.Background(), cardprocessor.ChargeParams{
		Amount: 100, Currency: "USD", Source: cardprocessor.FakeTokenRateLimited, IdempotencyKey: "k",
	})

	assert.Equal(t, cardprocessor.KindUnavailable, cardprocessor.KindOf(err))
	assert.Len(t, fake.Calls(), 3)
}

func TestRetrying_DoesNotRetryDecline(t *testing.T) {
	fake := cardprocessor.NewFake()
	r := cardprocessor.NewRetrying(fake, 5, quietLogger()).WithInitialInterval(time.Millisecond)

	_, err := r.Charge(context.Background(), cardprocessor.ChargeParams{
		Amount: 100, Currency: "USD", Source: cardprocessor.FakeTokenDeclined, IdempotencyKey: "k",
	})

	assert.Equal(t, cardprocessor.KindCardDeclined, cardprocessor.KindOf(err))
	assert.Len(t, fake.Calls(), 1)
}

func TestFake_UpdateChargeMergesMetadata(t *testing.T) {
	// GIVEN: A charge created with metadata
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	ch, err := fake.Charge(ctx, cardprocessor.ChargeParams{
		Amount: 200, Currency: "USD", Source: "tok_visa", Capture: true, IdempotencyKey: "tx-9-0",
	})
	require.NoError(t, err)

	// WHEN: The ledger transaction id is stamped twice
	require.NoError(t, fake.UpdateCharge(ctx, ch.ID, map[string]string{"lightrailTransactionId": "tx-9"}))
	require.NoError(t, fake.UpdateCharge(ctx, ch.ID, map[string]string{"note": "second"}))

	// THEN: Both keys are kept
	md := fake.Metadata(ch.ID)
	assert.Equal(t, "tx-9", md["lightrailTransactionId"])
	assert.Equal(t, "second", md["note"])

	// AND: Unknown charges are rejected
	err = fake.UpdateCharge(ctx, "ch_missing", map[string]string{"a": "b"})
	assert.Equal(t, cardprocessor.KindInvalidRequest, cardprocessor.KindOf(err))
}

func TestRetrying_IdempotencyConflictReturnsOriginalCharge(t *testing.T) {
	// GIVEN: A charge already made with key k, and a processor that now
	// reports the key as conflicting
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	params := cardprocessor.ChargeParams{Amount: 500, Currency: "usd", Source: "tok_visa", Capture: true, IdempotencyKey: "k"}
	original, err := fake.Charge(ctx, params)
	require.NoError(t, err)
	fake.FailNext("charge", &cardprocessor.Error{Kind: cardprocessor.KindIdempotencyConflict, Message: "keys in use"})
	r := cardprocessor.NewRetrying(fake, 3, quietLogger()).WithInitialInterval(time.Millisecond)

	// WHEN: Charging again with the same key
	ch, err := r.Charge(ctx, params)

	// THEN: The original charge is the result and nothing new is charged
	require.NoError(t, err)
	assert.Equal(t, original.ID, ch.ID)
	assert.Len(t, fake.Charges(), 1)
	assert.Equal(t, []string{"charge:k", "charge:k", "find:k"}, fake.Calls())
}

func TestRetrying_IdempotencyConflictWithDifferentAmount(t *testing.T) {
	// GIVEN: A charge of 500 made with key k
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	_, err := fake.Charge(ctx, cardprocessor.ChargeParams{Amount: 500, Currency: "usd", Source: "tok_visa", IdempotencyKey: "k"})
	require.NoError(t, err)
	r := cardprocessor.NewRetrying(fake, 3, quietLogger()).WithInitialInterval(time.Millisecond)

	// WHEN: The key is reused for 700
	ch, err := r.Charge(ctx, cardprocessor.ChargeParams{Amount: 700, Currency: "usd", Source: "tok_visa", IdempotencyKey: "k"})

	// THEN: The conflict surfaces without a retry
	assert.Nil(t, ch)
	assert.Equal(t, cardprocessor.KindIdempotencyConflict, cardprocessor.KindOf(err))
	assert.Equal(t, []string{"charge:k", "charge:k", "find:k"}, fake.Calls())
}

func TestFake_FindCharge(t *testing.T) {
	ctx := context.Background()
	fake := cardprocessor.NewFake()
	ch, err := fake.Charge(ctx, cardprocessor.ChargeParams{Amount: 100, Currency: "usd", Source: "tok_visa", IdempotencyKey: "k"})
	require.NoError(t, err)

	found, err := fake.FindCharge(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, found.ID)

	_, err = fake.FindCharge(ctx, "other")
	assert.ErrorIs(t, err, cardprocessor.ErrChargeNotFound)
}
