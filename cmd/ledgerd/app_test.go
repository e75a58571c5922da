package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/config"
)

func loadConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	v := config.NewViper()
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	return cfg
}

func TestBuildApp_MemoryStore(t *testing.T) {
	// GIVEN: a memory store configuration without a stripe key
	cfg := loadConfig(t, map[string]any{"store.driver": config.DriverMemory})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// WHEN: the app is wired
	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close()

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	// THEN: the API accepts a value and reads it back
	resp, err := http.Post(srv.URL+"/v2/values", "application/json",
		strings.NewReader(`{"id":"v1","currency":"USD","balance":1000}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	v, err := a.service.GetValue(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, v.Balance)
	assert.Equal(t, int64(1000), *v.Balance)

	// AND: the sweeper finds nothing to void
	res, err := a.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Voided)
	assert.Equal(t, cfg.Sweep.BatchSize, a.sweeper.BatchSize)

	// AND: the registry carries the ledger collectors
	families, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestOpenStore_SQLiteMigrates(t *testing.T) {
	// GIVEN: a fresh sqlite path
	path := filepath.Join(t.TempDir(), "ledger.db")
	cfg := config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: path}

	// WHEN: the store is opened twice
	_, pinger, closeStore, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, pinger.Ping(context.Background()))
	closeStore()

	_, _, closeStore, err = openStore(context.Background(), cfg)

	// THEN: the second open finds the schema in place
	require.NoError(t, err)
	closeStore()
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, _, _, err := openStore(context.Background(), config.StoreConfig{Driver: "mongo"})
	assert.ErrorContains(t, err, "unknown store driver")
}
