/*
executor.go - Plan execution

PURPOSE:
  The only component that writes to the ledger store or calls the card
  processor. Execute takes a Plan and either commits all of it or none
  of it.

ORDER OF WORK:
  1. Transaction id pre-check (TransactionExists is never replanable)
  2. Simulated plans return the would-be transaction here
  3. One storage transaction:
     a. reserve the transaction id, then lock the chain root and re-validate the chain (compensations)
     b. lock every generic value being attached, insert derived values
     c. lock every mutated value, compare it with the plan's before-state,
        re-apply the plan's state checks
     d. card actions (charge, refund, capture)
     e. apply value deltas, insert the transaction, link the chain
  4. After commit: tag charges with the ledger transaction id

FAILURE HANDLING:
  A before-state mismatch is ValueChanged, which the service answers by
  replanning. Once a card charge has gone through, any later failure
  refunds the charges (newest first) and the error is marked
  non-replanable so the request is never silently retried with money
  already moved. The id of a compensated attempt is recorded and can not
  be used again: the processor would replay the refunded charge.

SEE ALSO:
  - saga.go:            Card calls and compensation
  - planner/planner.go: Plan contents
  - chain/chain.go:     Chain validation and append
*/
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/valueledger/chain"
	"github.com/warp/valueledger/cardprocessor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/metrics"
	"github.com/warp/valueledger/planner"
)

type Executor struct {
	store   ledger.Store
	chains  *chain.Manager
	cards   cardprocessor.Processor
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store ledger.Store, cards cardprocessor.Processor, logger *slog.Logger) *Executor {
	return &Executor{
		store:  store,
		chains: chain.NewManager(store),
		cards:  cards,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches collectors; nil disables them.
func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m
	return e
}

// WithClock replaces the executor's clock.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute applies plan and returns the stored transaction.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) (*ledger.Transaction, error) {
	tx := cloneSteps(plan.Transaction)

	exists, err := e.store.TransactionExists(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ledger.Errorf(ledger.CodeTransactionExists, "transaction %s already exists", tx.ID).
			WithDetail("transactionId", tx.ID)
	}
	if plan.Simulate {
		return &tx, nil
	}

	s := newSaga(e.cards, e.logger, e.metrics, tx.ID)
	err = e.store.WithTx(ctx, func(stx ledger.Tx) error {
		return e.apply(ctx, stx, plan, &tx, s)
	})
	if err != nil {
		if len(s.charges) > 0 {
			s.compensate(err)
			if merr := e.store.MarkCompensated(context.Background(), tx.ID, err.Error()); merr != nil {
				e.logger.Error("could not record compensated transaction id",
					"transaction_id", tx.ID, "error", merr)
			}
			return nil, ledger.NonReplanable(err)
		}
		if s.touched {
			// Refunds and captures can not be undone. A retry with the same
			// id replays them at the processor.
			e.logger.Error("ledger write failed after card calls",
				"transaction_id", tx.ID, "type", tx.Type, "error", err)
			return nil, ledger.NonReplanable(err)
		}
		return nil, err
	}

	for _, c := range s.charges {
		if err := e.cards.UpdateCharge(ctx, c.id, map[string]string{"lightrailTransactionId": tx.ID}); err != nil {
			e.logger.Warn("could not tag charge with transaction id",
				"transaction_id", tx.ID, "charge_id", c.id, "error", err)
		}
	}
	e.metrics.Transaction(string(tx.Type))
	e.logger.Info("transaction committed",
		"transaction_id", tx.ID, "type", tx.Type, "steps", len(tx.Steps), "pending", tx.Pending)
	return &tx, nil
}

func (e *Executor) apply(ctx context.Context, stx ledger.Tx, plan *planner.Plan, tx *ledger.Transaction, s *saga) error {
	now := e.now()

	// Held until commit so two attempts with one id never reach the
	// processor together.
	if err := stx.ReserveTransactionID(ctx, tx.ID); err != nil {
		return err
	}

	if plan.IsCompensation() {
		if _, err := stx.LockTransaction(ctx, plan.ChainRoot); err != nil {
			return err
		}
		txChain, err := stx.GetChain(ctx, plan.ChainRoot)
		if err != nil {
			return err
		}
		if err := chain.Validate(txChain, tx.Type, now, chain.Options{AllowExpired: plan.AllowExpired}); err != nil {
			return err
		}
	}

	for _, a := range plan.Attaches {
		if err := e.applyAttach(ctx, stx, a, now); err != nil {
			return err
		}
	}

	for _, v := range plan.NewValues {
		if err := stx.InsertValue(ctx, v); err != nil {
			return err
		}
	}

	for _, m := range plan.Mutations {
		v, err := stx.LockValue(ctx, m.ValueID)
		if err != nil {
			return err
		}
		if !sameState(v, m.BalanceBefore, m.UsesBefore) {
			return valueChanged(v.ID)
		}
		if err := ledger.CheckUsable(v, tx.Currency, now, plan.StateCheck); err != nil {
			return err
		}
	}

	if err := s.run(ctx, plan.Cards, tx); err != nil {
		return err
	}

	for _, m := range plan.Mutations {
		if m.BalanceDelta == 0 && m.UsesDelta == 0 {
			continue
		}
		if _, err := stx.ApplyValueDelta(ctx, m.ValueID, m.BalanceDelta, m.UsesDelta); err != nil {
			return err
		}
	}

	switch {
	case tx.Type == ledger.TxAttach:
		// Written with the attach above.
		return nil
	case plan.IsCompensation():
		return e.chains.Append(ctx, stx, plan.ChainRoot, *tx)
	default:
		return stx.InsertTransaction(ctx, *tx)
	}
}

// applyAttach moves the per-contact share out of the generic value and
// creates the derived value with its attach transaction.
func (e *Executor) applyAttach(ctx context.Context, stx ledger.Tx, a planner.Attach, now time.Time) error {
	g, err := stx.LockValue(ctx, a.Generic.ID)
	if err != nil {
		return err
	}
	if !sameState(g, a.Generic.Balance, a.Generic.UsesRemaining) {
		return valueChanged(g.ID)
	}
	if err := ledger.CheckUsable(g, "", now, ledger.CheckAll); err != nil {
		return err
	}
	if err := stx.InsertValue(ctx, a.Derived); err != nil {
		if ledger.CodeOf(err) == ledger.CodeValueExists {
			// Attached concurrently; a fresh plan will use it.
			return valueChanged(a.Derived.ID)
		}
		return err
	}
	if a.BalanceDelta != 0 || a.UsesDelta != 0 {
		if _, err := stx.ApplyValueDelta(ctx, g.ID, a.BalanceDelta, a.UsesDelta); err != nil {
			return err
		}
	}
	return stx.InsertTransaction(ctx, a.Transaction)
}

func sameState(v *ledger.Value, balance, uses *int64) bool {
	return equalPtr(v.Balance, balance) && equalPtr(v.UsesRemaining, uses)
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func valueChanged(id string) error {
	return ledger.Errorf(ledger.CodeValueChanged, "value %s changed while the transaction was being planned", id).
		WithDetail("valueId", id)
}

// cloneSteps copies the rail payloads so card results written during
// execution never leak back into the plan.
func cloneSteps(t ledger.Transaction) ledger.Transaction {
	steps := make([]ledger.Step, len(t.Steps))
	for i, s := range t.Steps {
		if s.Stripe != nil {
			c := *s.Stripe
			s.Stripe = &c
		}
		steps[i] = s
	}
	t.Steps = steps
	return t
}
