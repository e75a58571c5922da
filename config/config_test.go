package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/valueledger/config"
)

// chdir moves into dir so no stray ledgerd.yaml is picked up.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Engine.MaxReplans)
	assert.Equal(t, int64(50), cfg.Stripe.MinimumCharge)
	assert.Equal(t, 7*24*time.Hour, cfg.Pending.DefaultDuration)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.False(t, cfg.IsProd())
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a YAML file and an environment override
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: prod
http:
  port: 9090
store:
  driver: memory
pending:
  default_duration: 48h
sweep:
  interval: 30s
`), 0o600))
	t.Setenv("LEDGER_HTTP_PORT", "9191")
	t.Setenv("LEDGER_ENGINE_MAX_REPLANS", "5")

	// WHEN: loading
	cfg, err := config.Load(config.NewViper(), path)
	require.NoError(t, err)

	// THEN: env beats file, file beats defaults
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 9191, cfg.HTTP.Port)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Engine.MaxReplans)
	assert.Equal(t, 48*time.Hour, cfg.Pending.DefaultDuration)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(config.NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"LEDGER_STORE_DRIVER": "mongo"}, "store.driver"},
		{"postgres without dsn", map[string]string{"LEDGER_STORE_DRIVER": "postgres"}, "postgres_dsn"},
		{"bad port", map[string]string{"LEDGER_HTTP_PORT": "0"}, "http.port"},
		{"default above max", map[string]string{"LEDGER_PENDING_DEFAULT_DURATION": "2400h"}, "pending.default_duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(config.NewViper(), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
