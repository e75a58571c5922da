package chain_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/chain"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/ledger/store"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func root(pending bool) ledger.Transaction {
	t := ledger.Transaction{ID: "tx-1", RootTransactionID: "tx-1", Type: ledger.TxDebit, Pending: pending}
	if pending {
		d := now.Add(time.Hour)
		t.PendingVoidDate = &d
	}
	return t
}

func follow(id string, typ ledger.TransactionType) ledger.Transaction {
	return ledger.Transaction{ID: id, RootTransactionID: "tx-1", Type: typ}
}

func TestValidate_Reverse(t *testing.T) {
	assert.NoError(t, chain.Validate([]ledger.Transaction{root(false)}, ledger.TxReverse, now, chain.Options{}))

	err := chain.Validate([]ledger.Transaction{root(false), follow("r", ledger.TxReverse)}, ledger.TxReverse, now, chain.Options{})
	assert.Equal(t, ledger.CodeTransactionReversed, ledger.CodeOf(err))

	err = chain.Validate([]ledger.Transaction{root(true)}, ledger.TxReverse, now, chain.Options{})
	assert.Equal(t, ledger.CodeTransactionPending, ledger.CodeOf(err))

	captured := root(true)
	captured.Pending = false
	assert.NoError(t, chain.Validate([]ledger.Transaction{captured, follow("c", ledger.TxCapture)}, ledger.TxReverse, now, chain.Options{}))

	err = chain.Validate([]ledger.Transaction{captured, follow("v", ledger.TxVoid)}, ledger.TxReverse, now, chain.Options{})
	assert.Equal(t, ledger.CodeTransactionVoided, ledger.CodeOf(err))
}

func TestValidate_CaptureVoid(t *testing.T) {
	for _, kind := range []ledger.TransactionType{ledger.TxCapture, ledger.TxVoid} {
		t.Run(string(kind), func(t *testing.T) {
			assert.NoError(t, chain.Validate([]ledger.Transaction{root(true)}, kind, now, chain.Options{}))

			err := chain.Validate([]ledger.Transaction{root(false)}, kind, now, chain.Options{})
			assert.Equal(t, ledger.CodeTransactionNotPending, ledger.CodeOf(err))

			err = chain.Validate([]ledger.Transaction{root(true), follow("c", ledger.TxCapture)}, kind, now, chain.Options{})
			assert.Equal(t, ledger.CodeTransactionCaptured, ledger.CodeOf(err))

			err = chain.Validate([]ledger.Transaction{root(true), follow("v", ledger.TxVoid)}, kind, now, chain.Options{})
			assert.Equal(t, ledger.CodeTransactionVoided, ledger.CodeOf(err))

			err = chain.Validate([]ledger.Transaction{root(true)}, kind, now.Add(2*time.Hour), chain.Options{})
			assert.Equal(t, ledger.CodeTransactionVoided, ledger.CodeOf(err))
			assert.Equal(t, 409, ledger.HTTPStatus(err))
		})
	}

	assert.NoError(t, chain.Validate([]ledger.Transaction{root(true)}, ledger.TxVoid, now.Add(2*time.Hour),
		chain.Options{AllowExpired: true}))
}

func TestValidate_NonRoot(t *testing.T) {
	err := chain.Validate([]ledger.Transaction{follow("r", ledger.TxReverse)}, ledger.TxReverse, now, chain.Options{})
	assert.Equal(t, ledger.CodeTransactionNotReversible, ledger.CodeOf(err))
	assert.Equal(t, 422, ledger.HTTPStatus(err))
}

func TestManager_AppendLinksTailAndResolvesPending(t *testing.T) {
	// GIVEN: A pending root in the store
	ctx := context.Background()
	mem := store.NewMemory()
	m := chain.NewManager(mem)
	require.NoError(t, mem.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertTransaction(ctx, root(true))
	}))

	// WHEN: A void is appended
	require.NoError(t, mem.WithTx(ctx, func(tx ledger.Tx) error {
		return m.Append(ctx, tx, "tx-1", ledger.Transaction{ID: "void-1", Type: ledger.TxVoid})
	}))

	// THEN: The chain is root -> void and the root is no longer pending
	got, err := m.GetChain(ctx, "void-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "void-1", got[0].NextTransactionID)
	assert.False(t, got[0].Pending)
	assert.Nil(t, got[0].PendingVoidDate)
	assert.Equal(t, "tx-1", got[1].RootTransactionID)

	// AND: A second append racing on the same tail is a conflict
	err = mem.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.LinkNext(ctx, "tx-1", "other")
	})
	assert.ErrorIs(t, err, ledger.ErrChainConflict)
	assert.True(t, ledger.IsReplanable(err))
}
