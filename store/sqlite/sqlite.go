/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Single-node persistence for the value ledger. Suitable for development,
  tests and small deployments. The PostgreSQL store implements the same
  contract with real row locks.

APPEND-ONLY ENFORCEMENT:
  The transactions table is insert-only except for:
  - next_transaction_id, set once by LinkNext
  - pending / pending_void_date, cleared by ResolvePending
  No DELETE statement exists in this file.

KEY TABLES:
  ledger_values:  Balances, uses, rules and state flags
  contacts:       Owners of attached values
  transactions:   Immutable ledger records; steps, line items, totals and
                  payment sources are JSON columns
  compensated_transactions: Ids whose card charges were refunded after
                  a failed attempt; never reusable

INDEXES:
  - idx_values_contact:       contactId source expansion
  - idx_transactions_root:    chain reads, in insertion order (seq)
  - idx_transactions_pending: expiry sweep

CONCURRENCY:
  SQLite has one writer. WithTx holds the store mutex for the whole
  storage transaction, which gives the same guarantees as row locks:
  the before-state read under LockValue can not change until commit.
  The pool is limited to one connection so ":memory:" databases work.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/valueledger/ledger"
)

// timeFormat is fixed width so stored timestamps sort as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_values (
		id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		balance INTEGER,
		uses_remaining INTEGER,
		balance_rule_json TEXT,
		redemption_rule_json TEXT,
		discount INTEGER NOT NULL DEFAULT 0,
		pretax INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		frozen INTEGER NOT NULL DEFAULT 0,
		canceled INTEGER NOT NULL DEFAULT 0,
		start_date TEXT,
		end_date TEXT,
		code TEXT UNIQUE,
		is_generic_code INTEGER NOT NULL DEFAULT 0,
		generic_code_options_json TEXT,
		contact_id TEXT,
		attached_from_value_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		created_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_values_contact
		ON ledger_values(contact_id) WHERE contact_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		email TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger). seq keeps insertion order.
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		root_transaction_id TEXT NOT NULL,
		next_transaction_id TEXT,
		transaction_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		totals_json TEXT,
		line_items_json TEXT,
		steps_json TEXT NOT NULL,
		payment_sources_json TEXT,
		pending INTEGER NOT NULL DEFAULT 0,
		pending_void_date TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_root
		ON transactions(root_transaction_id, seq);

	CREATE INDEX IF NOT EXISTS idx_transactions_pending
		ON transactions(pending_void_date) WHERE pending = 1;

	CREATE TABLE IF NOT EXISTS compensated_transactions (
		id TEXT PRIMARY KEY,
		reason TEXT,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// VALUES
// =============================================================================

const valueColumns = `id, currency, balance, uses_remaining, balance_rule_json, redemption_rule_json,
	discount, pretax, active, frozen, canceled, start_date, end_date, code, is_generic_code,
	generic_code_options_json, contact_id, attached_from_value_id, metadata_json,
	created_at, updated_at, created_by`

// GetValue retrieves a value by ID.
func (s *Store) GetValue(ctx context.Context, id string) (*ledger.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getValue(ctx, s.db, "id", id)
}

// GetValueByCode resolves a secret or generic code.
func (s *Store) GetValueByCode(ctx context.Context, code string) (*ledger.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getValue(ctx, s.db, "code", code)
}

// ListContactValues returns the values attached to a contact, ordered by id.
func (s *Store) ListContactValues(ctx context.Context, contactID string) ([]ledger.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+valueColumns+" FROM ledger_values WHERE contact_id = ? ORDER BY id", contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to query values: %w", err)
	}
	defer rows.Close()

	var values []ledger.Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		values = append(values, *v)
	}
	return values, rows.Err()
}

func getValue(ctx context.Context, q querier, column, key string) (*ledger.Value, error) {
	row := q.QueryRowContext(ctx, "SELECT "+valueColumns+" FROM ledger_values WHERE "+column+" = ?", key)
	v, err := scanValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrValueNotFound
	}
	return v, err
}

func insertValue(ctx context.Context, q querier, v ledger.Value) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_values (`+valueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.Currency,
		nullInt(v.Balance),
		nullInt(v.UsesRemaining),
		jsonOrNull(v.BalanceRule),
		jsonOrNull(v.RedemptionRule),
		v.Discount,
		v.Pretax,
		v.Active,
		v.Frozen,
		v.Canceled,
		nullTime(v.StartDate),
		nullTime(v.EndDate),
		nullString(v.Code),
		v.IsGenericCode,
		jsonOrNull(v.GenericCodeOptions),
		nullString(v.ContactID),
		nullString(v.AttachedFromValueID),
		jsonOrNull(v.Metadata),
		formatTime(v.CreatedDate),
		formatTime(v.UpdatedDate),
		nullString(v.CreatedBy),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrValueExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert value: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanValue(row scanner) (*ledger.Value, error) {
	var (
		v                             ledger.Value
		balance, uses                 sql.NullInt64
		balanceRule, redemptionRule   sql.NullString
		startDate, endDate            sql.NullString
		code, contactID, attachedFrom sql.NullString
		genericOptions, metadata      sql.NullString
		createdAt, updatedAt          string
		createdBy                     sql.NullString
	)
	err := row.Scan(
		&v.ID, &v.Currency, &balance, &uses, &balanceRule, &redemptionRule,
		&v.Discount, &v.Pretax, &v.Active, &v.Frozen, &v.Canceled, &startDate, &endDate,
		&code, &v.IsGenericCode, &genericOptions, &contactID, &attachedFrom, &metadata,
		&createdAt, &updatedAt, &createdBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan value: %w", err)
	}

	v.Balance = intPtr(balance)
	v.UsesRemaining = intPtr(uses)
	v.StartDate = timePtr(startDate)
	v.EndDate = timePtr(endDate)
	v.Code = code.String
	v.ContactID = contactID.String
	v.AttachedFromValueID = attachedFrom.String
	v.CreatedBy = createdBy.String
	v.CreatedDate = parseTime(createdAt)
	v.UpdatedDate = parseTime(updatedAt)
	if err := unmarshalNullable(balanceRule, &v.BalanceRule); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(redemptionRule, &v.RedemptionRule); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(genericOptions, &v.GenericCodeOptions); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(metadata, &v.Metadata); err != nil {
		return nil, err
	}
	return &v, nil
}

// =============================================================================
// CONTACTS
// =============================================================================

// SaveContact creates or updates a contact.
func (s *Store) SaveContact(ctx context.Context, c ledger.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedDate.IsZero() {
		c.CreatedDate = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, email, metadata_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			metadata_json = excluded.metadata_json`,
		c.ID, nullString(c.Email), jsonOrNull(c.Metadata), formatTime(c.CreatedDate),
	)
	return err
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*ledger.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c         ledger.Contact
		email     sql.NullString
		metadata  sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, metadata_json, created_at FROM contacts WHERE id = ?", id,
	).Scan(&c.ID, &email, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Email = email.String
	c.CreatedDate = parseTime(createdAt)
	if err := unmarshalNullable(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, root_transaction_id, next_transaction_id, transaction_type, currency,
	totals_json, line_items_json, steps_json, payment_sources_json, pending, pending_void_date,
	metadata_json, created_at, created_by`

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

// TransactionExists checks if a transaction id is taken.
func (s *Store) TransactionExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idTaken(ctx, s.db, id)
}

func idTaken(ctx context.Context, q querier, id string) (bool, error) {
	var taken bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transactions WHERE id = ?)
			OR EXISTS (SELECT 1 FROM compensated_transactions WHERE id = ?)`,
		id, id,
	).Scan(&taken)
	return taken, err
}

// MarkCompensated remembers a compensated attempt id.
func (s *Store) MarkCompensated(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensated_transactions (id, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, nullString(reason), formatTime(time.Now().UTC()),
	)
	return err
}

// GetChain returns the chain rooted at rootID in insertion order.
func (s *Store) GetChain(ctx context.Context, rootID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getChain(ctx, s.db, rootID)
}

// ListExpiredPending returns pending transactions whose void date has passed.
func (s *Store) ListExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	return queryTransactions(ctx, s.db, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE pending = 1 AND pending_void_date <= ?
		ORDER BY pending_void_date ASC
		LIMIT ?`,
		formatTime(asOf), limit)
}

func getTransaction(ctx context.Context, q querier, id string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, q, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return &txs[0], nil
}

func getChain(ctx context.Context, q querier, rootID string) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, q,
		"SELECT "+transactionColumns+" FROM transactions WHERE root_transaction_id = ? ORDER BY seq ASC", rootID)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		t                          ledger.Transaction
		next                       sql.NullString
		totals, lineItems, steps   sql.NullString
		sources, metadata          sql.NullString
		pendingVoidDate, createdBy sql.NullString
		createdAt                  string
	)
	err := rows.Scan(
		&t.ID, &t.RootTransactionID, &next, &t.Type, &t.Currency,
		&totals, &lineItems, &steps, &sources, &t.Pending, &pendingVoidDate,
		&metadata, &createdAt, &createdBy,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}

	t.NextTransactionID = next.String
	t.PendingVoidDate = timePtr(pendingVoidDate)
	t.CreatedDate = parseTime(createdAt)
	t.CreatedBy = createdBy.String
	for _, col := range []struct {
		raw  sql.NullString
		dest any
	}{
		{totals, &t.Totals},
		{lineItems, &t.LineItems},
		{steps, &t.Steps},
		{sources, &t.PaymentSources},
		{metadata, &t.Metadata},
	} {
		if err := unmarshalNullable(col.raw, col.dest); err != nil {
			return t, fmt.Errorf("transaction %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func insertTransaction(ctx context.Context, q querier, t ledger.Transaction) error {
	if t.RootTransactionID == "" {
		t.RootTransactionID = t.ID
	}
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.RootTransactionID,
		nullString(t.NextTransactionID),
		t.Type,
		t.Currency,
		jsonOrNull(t.Totals),
		jsonOrNull(t.LineItems),
		string(stepsJSON),
		jsonOrNull(t.PaymentSources),
		t.Pending,
		nullTime(t.PendingVoidDate),
		jsonOrNull(t.Metadata),
		formatTime(t.CreatedDate),
		nullString(t.CreatedBy),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrTransactionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

// ReserveTransactionID only checks: the store mutex already serializes
// writers.
func (ts *txStore) ReserveTransactionID(ctx context.Context, id string) error {
	taken, err := idTaken(ctx, ts.tx, id)
	if err != nil {
		return err
	}
	if taken {
		return ledger.ErrTransactionExists
	}
	return nil
}

func (ts *txStore) LockValue(ctx context.Context, id string) (*ledger.Value, error) {
	return getValue(ctx, ts.tx, "id", id)
}

func (ts *txStore) InsertValue(ctx context.Context, v ledger.Value) error {
	return insertValue(ctx, ts.tx, v)
}

func (ts *txStore) ApplyValueDelta(ctx context.Context, id string, balanceDelta, usesDelta int64) (*ledger.Value, error) {
	v, err := getValue(ctx, ts.tx, "id", id)
	if err != nil {
		return nil, err
	}
	if balanceDelta != 0 && v.Balance == nil {
		return nil, ledger.ErrNullBalance
	}
	if usesDelta != 0 && v.UsesRemaining == nil {
		return nil, ledger.ErrNullUses
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE ledger_values SET
			balance = balance + ?,
			uses_remaining = uses_remaining + ?,
			updated_at = ?
		WHERE id = ?
		  AND (? = 0 OR balance + ? >= 0)
		  AND (? = 0 OR uses_remaining + ? >= 0)`,
		balanceDelta, usesDelta, formatTime(time.Now()), id,
		balanceDelta, balanceDelta, usesDelta, usesDelta,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update value: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ledger.ErrConcurrentModification
	}
	return getValue(ctx, ts.tx, "id", id)
}

func (ts *txStore) UpdateValue(ctx context.Context, v ledger.Value) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE ledger_values SET
			active = ?, frozen = ?, canceled = ?,
			start_date = ?, end_date = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?`,
		v.Active, v.Frozen, v.Canceled,
		nullTime(v.StartDate), nullTime(v.EndDate), jsonOrNull(v.Metadata), formatTime(time.Now()),
		v.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update value: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrValueNotFound
	}
	return nil
}

func (ts *txStore) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	return insertTransaction(ctx, ts.tx, t)
}

func (ts *txStore) LockTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) GetChain(ctx context.Context, rootID string) ([]ledger.Transaction, error) {
	return getChain(ctx, ts.tx, rootID)
}

func (ts *txStore) LinkNext(ctx context.Context, tailID, nextID string) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE transactions SET next_transaction_id = ? WHERE id = ? AND next_transaction_id IS NULL",
		nextID, tailID)
	if err != nil {
		return fmt.Errorf("failed to link transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getTransaction(ctx, ts.tx, tailID); err != nil {
		return err
	}
	return ledger.ErrChainConflict
}

func (ts *txStore) ResolvePending(ctx context.Context, rootID string) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE transactions SET pending = 0, pending_void_date = NULL WHERE id = ?", rootID)
	if err != nil {
		return fmt.Errorf("failed to resolve pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return ledger.Int64(n.Int64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// jsonOrNull encodes v, storing nil pointers, maps and slices as NULL.
func jsonOrNull(v any) sql.NullString {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func unmarshalNullable(raw sql.NullString, dest any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dest); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
