/*
store.go - Persistence contract for values and transactions

PURPOSE:
  Defines the interface between the engine and the database. Reads
  outside a storage transaction are plain snapshots used for planning.
  Every mutation happens inside WithTx through the Tx handle, which
  locks rows (SELECT ... FOR UPDATE) before changing them.

APPEND-ONLY CONTRACT:
  Transactions are inserted, never updated, with two exceptions kept
  behind dedicated methods:
  - LinkNext(): sets next_transaction_id on the chain tail, only if unset
  - ResolvePending(): clears the pending flag when a capture/void lands

TRANSACTION IDS:
  An id is taken once a transaction with it is stored, or once an attempt
  with it charged a card and was compensated. ReserveTransactionID is the
  first write of every plan and runs before any card call.

CONDITIONAL UPDATES:
  ApplyValueDelta never drives a tracked balance or usesRemaining below
  zero. If the guard fails it returns ErrConcurrentModification.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: Single-writer SQLite
  - store/postgres/postgres.go: PostgreSQL with row locks

SEE ALSO:
  - executor/executor.go: The only writer
  - chain/chain.go: Chain validation on top of GetChain
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - read side plus the transaction boundary
// =============================================================================

// Store is the read side of the ledger plus its transaction boundary.
type Store interface {
	// GetValue returns ErrValueNotFound when id is unknown.
	GetValue(ctx context.Context, id string) (*Value, error)

	// GetValueByCode resolves a secret or generic code.
	GetValueByCode(ctx context.Context, code string) (*Value, error)

	// ListContactValues returns values attached to the contact, ordered by id.
	ListContactValues(ctx context.Context, contactID string) ([]Value, error)

	GetContact(ctx context.Context, id string) (*Contact, error)
	SaveContact(ctx context.Context, c Contact) error

	// GetTransaction returns ErrTransactionNotFound when id is unknown.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// TransactionExists reports whether id is taken, either by a stored
	// transaction or by a compensated attempt.
	TransactionExists(ctx context.Context, id string) (bool, error)

	// MarkCompensated records that the card charges of attempt id were
	// refunded after its ledger write failed. The id can not be used again.
	// Marking an id twice is not an error.
	MarkCompensated(ctx context.Context, id, reason string) error

	// GetChain returns every transaction with the given root, in insertion order.
	GetChain(ctx context.Context, rootID string) ([]Transaction, error)

	// ListExpiredPending returns pending root transactions whose void date
	// is at or before asOf.
	ListExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]Transaction, error)

	// WithTx executes fn within a storage transaction.
	// If fn returns error, every write is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// TX - writes and locks inside one storage transaction
// =============================================================================

// Tx is a handle valid only inside WithTx.
type Tx interface {
	// ReserveTransactionID holds id until commit, so concurrent attempts
	// with the same id run one after the other. It returns
	// ErrTransactionExists when id is already stored or compensated.
	ReserveTransactionID(ctx context.Context, id string) error

	// LockValue reads the value and holds its row lock until commit.
	LockValue(ctx context.Context, id string) (*Value, error)

	// InsertValue returns ErrValueExists on id or code collision.
	InsertValue(ctx context.Context, v Value) error

	// ApplyValueDelta adds the deltas to the tracked fields of the value.
	ApplyValueDelta(ctx context.Context, id string, balanceDelta, usesDelta int64) (*Value, error)

	// UpdateValue writes the state flags, dates and metadata of v.
	// Balance, usesRemaining, code and currency are left alone.
	UpdateValue(ctx context.Context, v Value) error

	// InsertTransaction returns ErrTransactionExists on id collision.
	InsertTransaction(ctx context.Context, t Transaction) error

	// LockTransaction reads the transaction and holds its row lock until commit.
	LockTransaction(ctx context.Context, id string) (*Transaction, error)

	GetChain(ctx context.Context, rootID string) ([]Transaction, error)

	// LinkNext sets tail.next_transaction_id = nextID. It returns
	// ErrChainConflict when the tail already has a successor.
	LinkNext(ctx context.Context, tailID, nextID string) error

	// ResolvePending clears pending and pending_void_date on the root.
	ResolvePending(ctx context.Context, rootID string) error
}
