package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/valueledger/api"
	"github.com/warp/valueledger/cardprocessor"
	"github.com/warp/valueledger/config"
	"github.com/warp/valueledger/executor"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/ledger/store"
	"github.com/warp/valueledger/metrics"
	"github.com/warp/valueledger/planner"
	"github.com/warp/valueledger/rules"
	"github.com/warp/valueledger/service"
	"github.com/warp/valueledger/store/postgres"
	"github.com/warp/valueledger/store/sqlite"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	store    ledger.Store
	pinger   api.Pinger
	service  *service.Service
	sweeper  *service.Sweeper
	registry *prometheus.Registry
	router   http.Handler
	close    func()
}

// openStore opens the configured store. Opening a SQL store also runs
// its migrations.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, api.Pinger, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil, func() {}, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite %q: %w", cfg.SQLitePath, err)
		}
		return s, s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConns})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, s, s.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newCardProcessor(cfg config.StripeConfig, logger *slog.Logger) cardprocessor.Processor {
	if cfg.SecretKey == "" {
		logger.Warn("no stripe secret key configured, using the in-memory card processor")
		return cardprocessor.NewFake()
	}
	return cardprocessor.NewRetrying(cardprocessor.NewStripe(cfg.SecretKey, logger), cfg.MaxRetries, logger)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, pinger, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	ruleCache := rules.NewCache()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, ruleCache.Len)

	p := planner.New(st, rules.NewEvaluator(ruleCache), planner.Config{
		StripeMinimum:            cfg.Stripe.MinimumCharge,
		DefaultPendingDuration:   cfg.Pending.DefaultDuration,
		MaxPendingDuration:       cfg.Pending.MaxDuration,
		MaxStripePendingDuration: cfg.Pending.MaxStripeDuration,
	})
	e := executor.New(st, newCardProcessor(cfg.Stripe, logger), logger)
	svc := service.New(st, p, e, logger, service.Options{
		MaxReplans: cfg.Engine.MaxReplans,
		Metrics:    m,
	})

	sweeper := service.NewSweeper(svc, logger)
	sweeper.Interval = cfg.Sweep.Interval
	sweeper.BatchSize = cfg.Sweep.BatchSize
	sweeper.Enabled = cfg.Sweep.Enabled

	handler := api.NewHandler(svc, pinger, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Metrics:     m,
		Gatherer:    reg,
	})

	return &app{
		store:    st,
		pinger:   pinger,
		service:  svc,
		sweeper:  sweeper,
		registry: reg,
		router:   router,
		close:    closeStore,
	}, nil
}
