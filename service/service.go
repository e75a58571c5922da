/*
service.go - Ledger operations

PURPOSE:
  The entry point for every ledger operation. Each mutating call is a
  plan/execute loop: build a plan from current state, hand it to the
  executor, and when execution reports a replanable conflict (a value
  moved under us, a chain was extended concurrently) throw the plan away
  and build a new one. The loop is bounded by MaxReplans.

OPERATIONS:
  Checkout, Debit, Credit, Transfer        new root transactions
  Reverse, Capture, Void                   compensations on a chain
  CreateValue, UpdateValue, Attach         value lifecycle
  CreateContact                            contacts
  GetValue, GetTransaction, GetChain       reads

SEE ALSO:
  - sweep.go:             Voids expired pending transactions
  - planner/planner.go:   Planning
  - executor/executor.go: Execution
*/
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/valueledger/chain"
	"github.com/warp/valueledger/executor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/metrics"
	"github.com/warp/valueledger/planner"
)

// DefaultMaxReplans bounds the plan/execute loop.
const DefaultMaxReplans = 3

type Service struct {
	store      ledger.Store
	planner    *planner.Planner
	executor   *executor.Executor
	chains     *chain.Manager
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxReplans int
	now        func() time.Time
}

type Options struct {
	MaxReplans int
	Metrics    *metrics.Metrics
}

func New(store ledger.Store, p *planner.Planner, e *executor.Executor, logger *slog.Logger, opts Options) *Service {
	if opts.MaxReplans <= 0 {
		opts.MaxReplans = DefaultMaxReplans
	}
	return &Service{
		store:      store,
		planner:    p,
		executor:   e.WithMetrics(opts.Metrics),
		chains:     chain.NewManager(store),
		logger:     logger,
		metrics:    opts.Metrics,
		maxReplans: opts.MaxReplans,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used by the sweeper.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// =============================================================================
// MONEY MOVEMENT
// =============================================================================

func (s *Service) Checkout(ctx context.Context, req planner.CheckoutRequest) (*ledger.Transaction, error) {
	return s.run(ctx, "checkout", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanCheckout(ctx, req)
	})
}

func (s *Service) Debit(ctx context.Context, req planner.DebitRequest) (*ledger.Transaction, error) {
	return s.run(ctx, "debit", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanDebit(ctx, req)
	})
}

func (s *Service) Credit(ctx context.Context, req planner.CreditRequest) (*ledger.Transaction, error) {
	return s.run(ctx, "credit", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanCredit(ctx, req)
	})
}

func (s *Service) Transfer(ctx context.Context, req planner.TransferRequest) (*ledger.Transaction, error) {
	return s.run(ctx, "transfer", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanTransfer(ctx, req)
	})
}

// =============================================================================
// COMPENSATION
// =============================================================================

func (s *Service) Reverse(ctx context.Context, targetID string, req planner.CompensationRequest) (*ledger.Transaction, error) {
	req.TargetID = targetID
	return s.run(ctx, "reverse", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanReverse(ctx, req)
	})
}

func (s *Service) Capture(ctx context.Context, targetID string, req planner.CompensationRequest) (*ledger.Transaction, error) {
	req.TargetID = targetID
	return s.run(ctx, "capture", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanCapture(ctx, req)
	})
}

func (s *Service) Void(ctx context.Context, targetID string, req planner.CompensationRequest) (*ledger.Transaction, error) {
	req.TargetID = targetID
	return s.run(ctx, "void", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanVoid(ctx, req)
	})
}

// =============================================================================
// VALUES AND CONTACTS
// =============================================================================

// CreateValue creates a value through its initialBalance transaction.
func (s *Service) CreateValue(ctx context.Context, req planner.CreateValueRequest) (*ledger.Value, error) {
	if _, err := s.run(ctx, "initialBalance", func(ctx context.Context) (*planner.Plan, error) {
		return s.planner.PlanInitialBalance(ctx, req)
	}); err != nil {
		return nil, err
	}
	return s.store.GetValue(ctx, req.ID)
}

// Attach gives a contact its own value from a generic code. Attaching
// twice returns the value created the first time.
func (s *Service) Attach(ctx context.Context, req planner.AttachRequest) (*ledger.Value, error) {
	var existing *ledger.Value
	_, err := s.run(ctx, "attach", func(ctx context.Context) (*planner.Plan, error) {
		plan, err := s.planner.PlanAttach(ctx, req)
		if err != nil {
			return nil, err
		}
		if plan.Existing != nil {
			existing = plan.Existing
			return nil, errAlreadyAttached
		}
		return plan, nil
	})
	switch {
	case errors.Is(err, errAlreadyAttached):
		return existing, nil
	case err != nil:
		return nil, err
	}
	generic := req.ValueID
	if generic == "" {
		v, err := s.store.GetValueByCode(ctx, req.Code)
		if err != nil {
			return nil, err
		}
		generic = v.ID
	}
	return s.store.GetValue(ctx, planner.AttachedValueID(generic, req.ContactID))
}

var errAlreadyAttached = errors.New("already attached")

// ValueUpdate changes the state of a value. Nil fields are left alone.
type ValueUpdate struct {
	Active   *bool          `json:"active,omitempty"`
	Frozen   *bool          `json:"frozen,omitempty"`
	Canceled *bool          `json:"canceled,omitempty"`
	EndDate  *time.Time     `json:"endDate,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateValue freezes, cancels or (de)activates a value. Cancellation is
// permanent. Balances only move through transactions.
func (s *Service) UpdateValue(ctx context.Context, id string, u ValueUpdate) (*ledger.Value, error) {
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := tx.LockValue(ctx, id)
		if err != nil {
			return err
		}
		if u.Canceled != nil {
			if v.Canceled && !*u.Canceled {
				return ledger.Errorf(ledger.CodeValueCanceled, "value %s is canceled and can not be restored", id)
			}
			v.Canceled = *u.Canceled
		}
		if u.Active != nil {
			v.Active = *u.Active
		}
		if u.Frozen != nil {
			v.Frozen = *u.Frozen
		}
		if u.EndDate != nil {
			if v.StartDate != nil && !v.StartDate.Before(*u.EndDate) {
				return ledger.Errorf(ledger.CodeInvalidRequest, "endDate must be after startDate")
			}
			v.EndDate = u.EndDate
		}
		if u.Metadata != nil {
			v.Metadata = u.Metadata
		}
		return tx.UpdateValue(ctx, *v)
	})
	if err != nil {
		return nil, s.fail("updateValue", err)
	}
	s.logger.Info("value updated", "value_id", id)
	return s.store.GetValue(ctx, id)
}

func (s *Service) CreateContact(ctx context.Context, c ledger.Contact) (*ledger.Contact, error) {
	if c.ID == "" {
		return nil, ledger.Errorf(ledger.CodeInvalidRequest, "id is required")
	}
	if c.CreatedDate.IsZero() {
		c.CreatedDate = s.now()
	}
	if err := s.store.SaveContact(ctx, c); err != nil {
		return nil, err
	}
	return s.store.GetContact(ctx, c.ID)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetValue(ctx context.Context, id string) (*ledger.Value, error) {
	return s.store.GetValue(ctx, id)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetChain returns the chain containing id, root first.
func (s *Service) GetChain(ctx context.Context, id string) ([]ledger.Transaction, error) {
	return s.chains.GetChain(ctx, id)
}

// =============================================================================
// PLAN / EXECUTE LOOP
// =============================================================================

func (s *Service) run(ctx context.Context, op string, plan func(context.Context) (*planner.Plan, error)) (*ledger.Transaction, error) {
	for attempt := 0; ; attempt++ {
		p, err := plan(ctx)
		if err != nil {
			return nil, s.fail(op, err)
		}
		tx, err := s.executor.Execute(ctx, p)
		if err == nil {
			return tx, nil
		}
		if !ledger.IsReplanable(err) || attempt >= s.maxReplans {
			return nil, s.fail(op, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, s.fail(op, ctxErr)
		}
		s.metrics.Replan()
		s.logger.Debug("replanning", "op", op, "transaction_id", p.Transaction.ID, "attempt", attempt+1, "error", err)
	}
}

func (s *Service) fail(op string, err error) error {
	if errors.Is(err, errAlreadyAttached) {
		return err
	}
	code := ledger.CodeOf(err)
	s.metrics.Error(string(code))
	if ledger.IsClientError(err) {
		s.logger.Info("request rejected", "op", op, "code", code, "error", err)
	} else {
		s.logger.Error("request failed", "op", op, "code", code, "error", err)
	}
	return err
}
