/*
sweep.go - Pending transaction expiry

PURPOSE:
  A pending transaction that is neither captured nor voided by its
  pendingVoidDate is voided automatically. The sweeper finds expired
  pending roots and voids each one with id planner.ExpiryVoidID(root),
  which is "<rootId>-void" unless that would exceed the id limit.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Processes at most BatchSize transactions per pass
  - One failed void does not stop the pass; it is retried next pass
  - A void that already exists (a previous pass, or a concurrent user
    void) counts as done

USAGE:
  sweeper := NewSweeper(svc, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/planner"
)

// SweepResult summarizes one pass.
type SweepResult struct {
	Voided int
	Failed int
}

type Sweeper struct {
	Service   *Service
	Interval  time.Duration
	BatchSize int
	Enabled   bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(svc *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		Service:   svc,
		Interval:  time.Minute,
		BatchSize: 100,
		Enabled:   true,
		logger:    logger.With("component", "sweeper"),
	}
}

// Start begins sweeping in the background.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.Enabled {
		sw.logger.Info("disabled, not starting")
		return
	}
	if sw.ticker != nil {
		return
	}

	sw.ticker = time.NewTicker(sw.Interval)
	sw.stop = make(chan struct{})
	sw.wg.Add(1)
	go sw.run()

	sw.logger.Info("started", "interval", sw.Interval)
}

// Stop stops the sweeper and waits for a running pass to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker == nil {
		return
	}
	sw.ticker.Stop()
	close(sw.stop)
	sw.wg.Wait()
	sw.ticker = nil
	sw.logger.Info("stopped")
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()

	sw.pass()
	for {
		select {
		case <-sw.ticker.C:
			sw.pass()
		case <-sw.stop:
			return
		}
	}
}

func (sw *Sweeper) pass() {
	res, err := sw.SweepOnce(context.Background())
	if err != nil {
		sw.logger.Error("sweep failed", "error", err)
		return
	}
	if res.Voided > 0 || res.Failed > 0 {
		sw.logger.Info("sweep completed", "voided", res.Voided, "failed", res.Failed)
	}
}

// SweepOnce voids every pending transaction whose void date has passed,
// up to BatchSize of them.
func (sw *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	expired, err := sw.Service.store.ListExpiredPending(ctx, sw.Service.now(), sw.BatchSize)
	if err != nil {
		return res, err
	}

	for _, t := range expired {
		_, err := sw.Service.Void(ctx, t.ID, planner.CompensationRequest{
			ID:           planner.ExpiryVoidID(t.ID),
			Metadata:     map[string]any{"reason": "pendingVoidDate passed"},
			AllowExpired: true,
		})
		switch {
		case err == nil:
			res.Voided++
		case ledger.CodeOf(err) == ledger.CodeTransactionExists, ledger.CodeOf(err) == ledger.CodeTransactionVoided:
		default:
			res.Failed++
			sw.logger.Warn("could not void expired transaction", "transaction_id", t.ID, "error", err)
		}
	}
	sw.Service.metrics.SweepVoided(res.Voided)
	return res, nil
}
