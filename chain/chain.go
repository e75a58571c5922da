/*
chain.go - Transaction chain lookups and compensation rules

PURPOSE:
  Every transaction belongs to a chain keyed by its root transaction id:

    checkout/debit/credit/transfer/initialBalance
        -> capture | void        (pending roots only)
        -> reverse

  The chain is a singly linked list through nextTransactionId. This file
  answers "may this compensation be appended?" and performs the append
  inside a storage transaction.

RULES:
  - Only root transactions can be compensated.
  - A chain containing a reverse is terminal.
  - A chain containing a void is terminal.
  - A chain containing a capture accepts a reverse, nothing else.
  - A pending root can not be reversed until captured.
  - Capture/void need a pending root, and the void date must not have
    passed (the expiry sweep is allowed past it).

SEE ALSO:
  - planner/compensate.go: Builds reverse/capture/void plans
  - executor/executor.go: Calls Append under the root row lock
*/
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/valueledger/ledger"
)

// Manager reads chains from the store and appends to them.
type Manager struct {
	store ledger.Store
}

func NewManager(store ledger.Store) *Manager {
	return &Manager{store: store}
}

// GetChain returns the chain containing transactionID, root first.
func (m *Manager) GetChain(ctx context.Context, transactionID string) ([]ledger.Transaction, error) {
	t, err := m.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	root := t.RootTransactionID
	if root == "" {
		root = t.ID
	}
	return m.store.GetChain(ctx, root)
}

// Append inserts next as the new tail of root's chain. It must run inside
// the storage transaction that holds root's row lock.
func (m *Manager) Append(ctx context.Context, tx ledger.Tx, rootID string, next ledger.Transaction) error {
	chain, err := tx.GetChain(ctx, rootID)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return ledger.ErrTransactionNotFound
	}
	tail := Tail(chain)

	next.RootTransactionID = rootID
	if err := tx.InsertTransaction(ctx, next); err != nil {
		return err
	}
	if err := tx.LinkNext(ctx, tail.ID, next.ID); err != nil {
		return err
	}
	if next.Type == ledger.TxCapture || next.Type == ledger.TxVoid {
		return tx.ResolvePending(ctx, rootID)
	}
	return nil
}

// Tail returns the last transaction of a non-empty chain: the one without
// a successor, falling back to insertion order.
func Tail(chain []ledger.Transaction) ledger.Transaction {
	for _, t := range chain {
		if t.NextTransactionID == "" {
			return t
		}
	}
	return chain[len(chain)-1]
}

// =============================================================================
// VALIDATION
// =============================================================================

// Options relaxes validation for system callers.
type Options struct {
	// AllowExpired lets the expiry sweep void after the pending void date.
	AllowExpired bool
}

// Validate reports whether a compensation of kind may be appended to chain.
// chain[0] must be the root.
func Validate(chain []ledger.Transaction, kind ledger.TransactionType, now time.Time, opts Options) error {
	if len(chain) == 0 {
		return ledger.ErrTransactionNotFound
	}
	root := chain[0]
	if !root.IsRoot() || root.Type.IsCompensating() || root.Type == ledger.TxAttach {
		return ledger.Errorf(ledger.CodeTransactionNotReversible,
			"transaction %s of type %s can not be compensated", root.ID, root.Type)
	}

	var captured, voided, reversed bool
	for _, t := range chain[1:] {
		switch t.Type {
		case ledger.TxCapture:
			captured = true
		case ledger.TxVoid:
			voided = true
		case ledger.TxReverse:
			reversed = true
		}
	}

	switch kind {
	case ledger.TxReverse:
		switch {
		case reversed:
			return ledger.Errorf(ledger.CodeTransactionReversed, "transaction %s has already been reversed", root.ID)
		case voided:
			return ledger.Errorf(ledger.CodeTransactionVoided, "transaction %s has been voided", root.ID)
		case root.Pending && !captured:
			return ledger.Errorf(ledger.CodeTransactionPending,
				"transaction %s is pending; capture or void it instead", root.ID)
		}
		return nil

	case ledger.TxCapture, ledger.TxVoid:
		switch {
		case reversed:
			return ledger.Errorf(ledger.CodeTransactionReversed, "transaction %s has already been reversed", root.ID)
		case captured:
			return ledger.Errorf(ledger.CodeTransactionCaptured, "transaction %s has already been captured", root.ID)
		case voided:
			return ledger.Errorf(ledger.CodeTransactionVoided, "transaction %s has already been voided", root.ID)
		case !root.Pending:
			return ledger.Errorf(ledger.CodeTransactionNotPending, "transaction %s is not pending", root.ID)
		case !opts.AllowExpired && root.PendingVoidDate != nil && !now.Before(*root.PendingVoidDate):
			return ledger.Errorf(ledger.CodeTransactionVoided,
				"transaction %s passed its pending void date and is being voided", root.ID)
		}
		return nil

	default:
		panic(fmt.Sprintf("chain: %s is not a compensation", kind))
	}
}
