package sqlite_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/cardprocessor"
	"github.com/warp/valueledger/executor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/ledger/storetest"
	"github.com/warp/valueledger/planner"
	"github.com/warp/valueledger/service"
	"github.com/warp/valueledger/store/sqlite"
)

func openMemory(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return openMemory(t)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	// GIVEN: a value written to a file-backed store
	st, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, st.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertValue(ctx, ledger.Value{ID: "gc-1", Currency: "CAD", Balance: ledger.Int64(700), Active: true})
	}))
	require.NoError(t, st.Close())

	// WHEN: the database is opened again (migrations rerun)
	st, err = sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()

	// THEN: the value is still there
	v, err := st.GetValue(ctx, "gc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), *v.Balance)
	require.NoError(t, st.Ping(ctx))
}

func TestSQLite_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	st := openMemory(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	p := planner.New(st, nil, planner.DefaultConfig()).WithClock(now)
	e := executor.New(st, cardprocessor.NewFake(), logger).WithClock(now)
	svc := service.New(st, p, e, logger, service.Options{MaxReplans: 10}).WithClock(now)

	// GIVEN: a value holding 500
	_, err := svc.CreateValue(ctx, planner.CreateValueRequest{ID: "gc-1", Currency: "CAD", Balance: ledger.Int64(500)})
	require.NoError(t, err)

	// WHEN: eight debits of 100 race
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(ctx, planner.DebitRequest{
				ID:       fmt.Sprintf("d-%d", i),
				Source:   ledger.ValueParty("gc-1"),
				Amount:   ledger.Int64(100),
				Currency: "CAD",
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// THEN: at most five succeed and every success is reflected once
	assert.LessOrEqual(t, ok, 5)
	assert.Positive(t, ok)
	v, err := st.GetValue(ctx, "gc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500-100*ok), *v.Balance)
}
