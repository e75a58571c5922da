// Package store provides the in-memory ledger.Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/valueledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps values and transactions in maps guarded by one RWMutex.
// WithTx holds the write lock for the whole function, which serializes
// writers the same way row locks would.
type Memory struct {
	mu           sync.RWMutex
	values       map[string]ledger.Value
	codes        map[string]string
	contacts     map[string]ledger.Contact
	transactions map[string]ledger.Transaction
	chains       map[string][]string
	// compensated lives outside snapshots: a rollback never forgets it.
	compensated map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		values:       make(map[string]ledger.Value),
		codes:        make(map[string]string),
		contacts:     make(map[string]ledger.Contact),
		transactions: make(map[string]ledger.Transaction),
		chains:       make(map[string][]string),
		compensated:  make(map[string]string),
	}
}

func (m *Memory) GetValue(_ context.Context, id string) (*ledger.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getValueLocked(id)
}

func (m *Memory) getValueLocked(id string) (*ledger.Value, error) {
	v, ok := m.values[id]
	if !ok {
		return nil, ledger.ErrValueNotFound
	}
	c := cloneValue(v)
	return &c, nil
}

func (m *Memory) GetValueByCode(_ context.Context, code string) (*ledger.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return nil, ledger.ErrValueNotFound
	}
	return m.getValueLocked(id)
}

func (m *Memory) ListContactValues(_ context.Context, contactID string) ([]ledger.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Value
	for _, v := range m.values {
		if v.ContactID == contactID {
			out = append(out, cloneValue(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetContact(_ context.Context, id string) (*ledger.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, ledger.ErrContactNotFound
	}
	return &c, nil
}

func (m *Memory) SaveContact(_ context.Context, c ledger.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedDate.IsZero() {
		c.CreatedDate = time.Now().UTC()
	}
	m.contacts[c.ID] = c
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id string) (*ledger.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	c := cloneTransaction(t)
	return &c, nil
}

func (m *Memory) TransactionExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idTakenLocked(id), nil
}

func (m *Memory) idTakenLocked(id string) bool {
	_, stored := m.transactions[id]
	_, compensated := m.compensated[id]
	return stored || compensated
}

func (m *Memory) MarkCompensated(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.compensated[id]; !ok {
		m.compensated[id] = reason
	}
	return nil
}

func (m *Memory) GetChain(_ context.Context, rootID string) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chainLocked(rootID), nil
}

func (m *Memory) chainLocked(rootID string) []ledger.Transaction {
	ids := m.chains[rootID]
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneTransaction(m.transactions[id]))
	}
	return out
}

func (m *Memory) ListExpiredPending(_ context.Context, asOf time.Time, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, t := range m.transactions {
		if t.Pending && t.PendingVoidDate != nil && !t.PendingVoidDate.After(asOf) {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PendingVoidDate.Before(*out[j].PendingVoidDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	values       map[string]ledger.Value
	codes        map[string]string
	transactions map[string]ledger.Transaction
	chains       map[string][]string
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		values:       make(map[string]ledger.Value, len(m.values)),
		codes:        make(map[string]string, len(m.codes)),
		transactions: make(map[string]ledger.Transaction, len(m.transactions)),
		chains:       make(map[string][]string, len(m.chains)),
	}
	for k, v := range m.values {
		s.values[k] = v
	}
	for k, v := range m.codes {
		s.codes[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.chains {
		s.chains[k] = append([]string(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.values = s.values
	m.codes = s.codes
	m.transactions = s.transactions
	m.chains = s.chains
}

type txView struct {
	parent *Memory
}

func (tv *txView) LockValue(_ context.Context, id string) (*ledger.Value, error) {
	return tv.parent.getValueLocked(id)
}

func (tv *txView) InsertValue(_ context.Context, v ledger.Value) error {
	m := tv.parent
	if _, ok := m.values[v.ID]; ok {
		return ledger.ErrValueExists
	}
	if v.Code != "" {
		if _, ok := m.codes[v.Code]; ok {
			return ledger.ErrValueExists
		}
		m.codes[v.Code] = v.ID
	}
	m.values[v.ID] = cloneValue(v)
	return nil
}

func (tv *txView) ApplyValueDelta(_ context.Context, id string, balanceDelta, usesDelta int64) (*ledger.Value, error) {
	m := tv.parent
	v, ok := m.values[id]
	if !ok {
		return nil, ledger.ErrValueNotFound
	}
	if balanceDelta != 0 {
		if v.Balance == nil {
			return nil, ledger.ErrNullBalance
		}
		if *v.Balance+balanceDelta < 0 {
			return nil, ledger.ErrConcurrentModification
		}
	}
	if usesDelta != 0 {
		if v.UsesRemaining == nil {
			return nil, ledger.ErrNullUses
		}
		if *v.UsesRemaining+usesDelta < 0 {
			return nil, ledger.ErrConcurrentModification
		}
	}
	v = cloneValue(v)
	if balanceDelta != 0 {
		*v.Balance += balanceDelta
	}
	if usesDelta != 0 {
		*v.UsesRemaining += usesDelta
	}
	v.UpdatedDate = time.Now().UTC()
	m.values[id] = v
	out := cloneValue(v)
	return &out, nil
}

func (tv *txView) UpdateValue(_ context.Context, v ledger.Value) error {
	m := tv.parent
	cur, ok := m.values[v.ID]
	if !ok {
		return ledger.ErrValueNotFound
	}
	cur = cloneValue(cur)
	cur.Active = v.Active
	cur.Frozen = v.Frozen
	cur.Canceled = v.Canceled
	cur.StartDate = v.StartDate
	cur.EndDate = v.EndDate
	cur.Metadata = v.Metadata
	cur.UpdatedDate = time.Now().UTC()
	m.values[v.ID] = cur
	return nil
}

// ReserveTransactionID only checks: WithTx already serializes writers.
func (tv *txView) ReserveTransactionID(_ context.Context, id string) error {
	if tv.parent.idTakenLocked(id) {
		return ledger.ErrTransactionExists
	}
	return nil
}

func (tv *txView) InsertTransaction(_ context.Context, t ledger.Transaction) error {
	m := tv.parent
	if _, ok := m.transactions[t.ID]; ok {
		return ledger.ErrTransactionExists
	}
	root := t.RootTransactionID
	if root == "" {
		root = t.ID
		t.RootTransactionID = root
	}
	m.transactions[t.ID] = cloneTransaction(t)
	m.chains[root] = append(m.chains[root], t.ID)
	return nil
}

func (tv *txView) LockTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	return tv.parent.getTransactionLocked(id)
}

func (tv *txView) GetChain(_ context.Context, rootID string) ([]ledger.Transaction, error) {
	return tv.parent.chainLocked(rootID), nil
}

func (tv *txView) LinkNext(_ context.Context, tailID, nextID string) error {
	m := tv.parent
	t, ok := m.transactions[tailID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if t.NextTransactionID != "" {
		return ledger.ErrChainConflict
	}
	t.NextTransactionID = nextID
	m.transactions[tailID] = t
	return nil
}

func (tv *txView) ResolvePending(_ context.Context, rootID string) error {
	m := tv.parent
	t, ok := m.transactions[rootID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	t.Pending = false
	t.PendingVoidDate = nil
	m.transactions[rootID] = t
	return nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func cloneValue(v ledger.Value) ledger.Value {
	if v.Balance != nil {
		v.Balance = ledger.Int64(*v.Balance)
	}
	if v.UsesRemaining != nil {
		v.UsesRemaining = ledger.Int64(*v.UsesRemaining)
	}
	return v
}

func cloneTransaction(t ledger.Transaction) ledger.Transaction {
	if t.Totals != nil {
		totals := *t.Totals
		t.Totals = &totals
	}
	t.Steps = append([]ledger.Step(nil), t.Steps...)
	t.LineItems = append([]ledger.LineItem(nil), t.LineItems...)
	t.PaymentSources = append([]ledger.Party(nil), t.PaymentSources...)
	return t
}
