/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Multi-instance persistence for the value ledger. Writers serialize on
  row locks (SELECT ... FOR UPDATE) instead of a process mutex, so
  several ledgerd processes can share one database. A transaction id
  that has no row yet is reserved with a transaction-scoped advisory
  lock, so two attempts with the same id never reach the card processor
  together.

MIGRATIONS:
  SQL files under migrations/ are embedded and applied in name order.
  Applied versions are recorded in schema_migrations.

ERROR MAPPING:
  unique_violation (23505) on ledger_values   -> ledger.ErrValueExists
  unique_violation (23505) on transactions    -> ledger.ErrTransactionExists
  pgx.ErrNoRows                               -> the matching NotFound error

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-node implementation
*/
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/valueledger/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config tunes the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// New connects, applies pending migrations and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies every embedded *.up.sql file not yet recorded.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return err
	}

	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return err
		}
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// VALUES
// =============================================================================

const valueColumns = `id, currency, balance, uses_remaining, balance_rule, redemption_rule,
	discount, pretax, active, frozen, canceled, start_date, end_date, code, is_generic_code,
	generic_code_options, contact_id, attached_from_value_id, metadata,
	created_at, updated_at, created_by`

func (s *Store) GetValue(ctx context.Context, id string) (*ledger.Value, error) {
	return getValue(ctx, s.pool, "id = $1", id)
}

func (s *Store) GetValueByCode(ctx context.Context, code string) (*ledger.Value, error) {
	return getValue(ctx, s.pool, "code = $1", code)
}

func (s *Store) ListContactValues(ctx context.Context, contactID string) ([]ledger.Value, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+valueColumns+" FROM ledger_values WHERE contact_id = $1 ORDER BY id", contactID)
	if err != nil {
		return nil, err
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

func getValue(ctx context.Context, q querier, where string, arg any, suffix ...string) (*ledger.Value, error) {
	query := "SELECT " + valueColumns + " FROM ledger_values WHERE " + where + " " + strings.Join(suffix, " ")
	v, err := scanValue(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrValueNotFound
	}
	return v, err
}

func scanValue(row pgx.Row) (*ledger.Value, error) {
	var (
		v                                        ledger.Value
		balanceRule, redemptionRule, genericOpts []byte
		metadata                                 []byte
		code, contactID, attachedFrom, createdBy *string
	)
	err := row.Scan(
		&v.ID, &v.Currency, &v.Balance, &v.UsesRemaining, &balanceRule, &redemptionRule,
		&v.Discount, &v.Pretax, &v.Active, &v.Frozen, &v.Canceled, &v.StartDate, &v.EndDate,
		&code, &v.IsGenericCode, &genericOpts, &contactID, &attachedFrom, &metadata,
		&v.CreatedDate, &v.UpdatedDate, &createdBy,
	)
	if err != nil {
		return nil, err
	}
	v.Code = deref(code)
	v.ContactID = deref(contactID)
	v.AttachedFromValueID = deref(attachedFrom)
	v.CreatedBy = deref(createdBy)
	v.CreatedDate = v.CreatedDate.UTC()
	v.UpdatedDate = v.UpdatedDate.UTC()
	v.StartDate = utcPtr(v.StartDate)
	v.EndDate = utcPtr(v.EndDate)

	if err := decodeJSON(balanceRule, &v.BalanceRule); err != nil {
		return nil, err
	}
	if err := decodeJSON(redemptionRule, &v.RedemptionRule); err != nil {
		return nil, err
	}
	if err := decodeJSON(genericOpts, &v.GenericCodeOptions); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &v.Metadata); err != nil {
		return nil, err
	}
	return &v, nil
}

// =============================================================================
// CONTACTS
// =============================================================================

func (s *Store) SaveContact(ctx context.Context, c ledger.Contact) error {
	if c.CreatedDate.IsZero() {
		c.CreatedDate = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (id, email, metadata, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			metadata = EXCLUDED.metadata`,
		c.ID, nullString(c.Email), encodeJSON(c.Metadata), c.CreatedDate,
	)
	return err
}

func (s *Store) GetContact(ctx context.Context, id string) (*ledger.Contact, error) {
	var (
		c        ledger.Contact
		email    *string
		metadata []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, metadata, created_at FROM contacts WHERE id = $1`, id,
	).Scan(&c.ID, &email, &metadata, &c.CreatedDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Email = deref(email)
	c.CreatedDate = c.CreatedDate.UTC()
	if err := decodeJSON(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, root_transaction_id, next_transaction_id, transaction_type, currency,
	totals, line_items, steps, payment_sources, pending, pending_void_date,
	metadata, created_at, created_by`

func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return getTransaction(ctx, s.pool, id, "")
}

func (s *Store) TransactionExists(ctx context.Context, id string) (bool, error) {
	return idTaken(ctx, s.pool, id)
}

func idTaken(ctx context.Context, q querier, id string) (bool, error) {
	var taken bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)
			OR EXISTS(SELECT 1 FROM compensated_transactions WHERE id = $1)`, id,
	).Scan(&taken)
	return taken, err
}

func (s *Store) MarkCompensated(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compensated_transactions (id, reason)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		id, nullString(reason),
	)
	return err
}

func (s *Store) GetChain(ctx context.Context, rootID string) ([]ledger.Transaction, error) {
	return getChain(ctx, s.pool, rootID)
}

func (s *Store) ListExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]ledger.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return queryTransactions(ctx, s.pool, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE pending AND pending_void_date <= $1
		ORDER BY pending_void_date ASC
		LIMIT $2`,
		asOf, lim)
}

func getTransaction(ctx context.Context, q querier, id, lock string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, q, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1 "+lock, id)
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
		"SELECT "+transactionColumns+" FROM transactions WHERE root_transaction_id = $1 ORDER BY seq", rootID)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			t                        ledger.Transaction
			txType                   string
			next, createdBy          *string
			totals, lineItems, steps []byte
			sources, metadata        []byte
		)
		if err := rows.Scan(
			&t.ID, &t.RootTransactionID, &next, &txType, &t.Currency,
			&totals, &lineItems, &steps, &sources, &t.Pending, &t.PendingVoidDate,
			&metadata, &t.CreatedDate, &createdBy,
		); err != nil {
			return nil, err
		}
		t.Type = ledger.TransactionType(txType)
		t.NextTransactionID = deref(next)
		t.CreatedBy = deref(createdBy)
		t.CreatedDate = t.CreatedDate.UTC()
		t.PendingVoidDate = utcPtr(t.PendingVoidDate)
		for _, col := range []struct {
			raw  []byte
			dest any
		}{
			{totals, &t.Totals},
			{lineItems, &t.LineItems},
			{steps, &t.Steps},
			{sources, &t.PaymentSources},
			{metadata, &t.Metadata},
		} {
			if err := decodeJSON(col.raw, col.dest); err != nil {
				return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx)
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. Rows read through
// LockValue and LockTransaction stay locked until commit.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

// ReserveTransactionID takes an advisory lock on the id's hash that is
// released at commit or rollback, then checks the id is still free.
func (ts *txStore) ReserveTransactionID(ctx context.Context, id string) error {
	if _, err := ts.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return fmt.Errorf("failed to lock transaction id: %w", err)
	}
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
	return getValue(ctx, ts.tx, "id = $1", id, "FOR UPDATE")
}

func (ts *txStore) InsertValue(ctx context.Context, v ledger.Value) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO ledger_values (`+valueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		v.ID,
		v.Currency,
		v.Balance,
		v.UsesRemaining,
		encodeJSON(v.BalanceRule),
		encodeJSON(v.RedemptionRule),
		v.Discount,
		v.Pretax,
		v.Active,
		v.Frozen,
		v.Canceled,
		v.StartDate,
		v.EndDate,
		nullString(v.Code),
		v.IsGenericCode,
		encodeJSON(v.GenericCodeOptions),
		nullString(v.ContactID),
		nullString(v.AttachedFromValueID),
		encodeJSON(v.Metadata),
		orNow(v.CreatedDate),
		orNow(v.UpdatedDate),
		nullString(v.CreatedBy),
	)
	if isUniqueViolation(err) {
		return ledger.ErrValueExists
	}
	return err
}

func (ts *txStore) ApplyValueDelta(ctx context.Context, id string, balanceDelta, usesDelta int64) (*ledger.Value, error) {
	v, err := ts.LockValue(ctx, id)
	if err != nil {
		return nil, err
	}
	if balanceDelta != 0 && v.Balance == nil {
		return nil, ledger.ErrNullBalance
	}
	if usesDelta != 0 && v.UsesRemaining == nil {
		return nil, ledger.ErrNullUses
	}

	row := ts.tx.QueryRow(ctx, `
		UPDATE ledger_values SET
			balance = balance + $2,
			uses_remaining = uses_remaining + $3,
			updated_at = now()
		WHERE id = $1
		  AND ($2 = 0 OR balance + $2 >= 0)
		  AND ($3 = 0 OR uses_remaining + $3 >= 0)
		RETURNING `+valueColumns,
		id, balanceDelta, usesDelta,
	)
	out, err := scanValue(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrConcurrentModification
	}
	return out, err
}

func (ts *txStore) UpdateValue(ctx context.Context, v ledger.Value) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE ledger_values SET
			active = $2, frozen = $3, canceled = $4,
			start_date = $5, end_date = $6, metadata = $7, updated_at = now()
		WHERE id = $1`,
		v.ID, v.Active, v.Frozen, v.Canceled, v.StartDate, v.EndDate, encodeJSON(v.Metadata),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrValueNotFound
	}
	return nil
}

func (ts *txStore) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	if t.RootTransactionID == "" {
		t.RootTransactionID = t.ID
	}
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID,
		t.RootTransactionID,
		nullString(t.NextTransactionID),
		string(t.Type),
		t.Currency,
		encodeJSON(t.Totals),
		encodeJSON(t.LineItems),
		steps,
		encodeJSON(t.PaymentSources),
		t.Pending,
		t.PendingVoidDate,
		encodeJSON(t.Metadata),
		orNow(t.CreatedDate),
		nullString(t.CreatedBy),
	)
	if isUniqueViolation(err) {
		return ledger.ErrTransactionExists
	}
	return err
}

func (ts *txStore) LockTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id, "FOR UPDATE")
}

func (ts *txStore) GetChain(ctx context.Context, rootID string) ([]ledger.Transaction, error) {
	return getChain(ctx, ts.tx, rootID)
}

func (ts *txStore) LinkNext(ctx context.Context, tailID, nextID string) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE transactions SET next_transaction_id = $2 WHERE id = $1 AND next_transaction_id IS NULL`,
		tailID, nextID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := getTransaction(ctx, ts.tx, tailID, ""); err != nil {
		return err
	}
	return ledger.ErrChainConflict
}

func (ts *txStore) ResolvePending(ctx context.Context, rootID string) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE transactions SET pending = FALSE, pending_void_date = NULL WHERE id = $1`, rootID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// encodeJSON returns nil for values that marshal to null so the column stays NULL.
func encodeJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

// Truncate empties every ledger table. Intended for test databases.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE ledger_values, contacts, transactions, compensated_transactions RESTART IDENTITY`)
	return err
}
