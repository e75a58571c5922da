/*
Package config loads ledgerd configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional YAML file (ledgerd.yaml in . or ./configs, or --config)
  3. Environment variables with prefix LEDGER_, dots replaced by
     underscores: LEDGER_STORE_DRIVER, LEDGER_STRIPE_SECRET_KEY, ...
  4. Command-line flags bound by cmd/ledgerd

DURATIONS:
  Written as Go durations ("168h", "30s").
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Env      string        `mapstructure:"env"`
	LogLevel string        `mapstructure:"log_level"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	Store    StoreConfig   `mapstructure:"store"`
	Stripe   StripeConfig  `mapstructure:"stripe"`
	Pending  PendingConfig `mapstructure:"pending"`
	Engine   EngineConfig  `mapstructure:"engine"`
	Sweep    SweepConfig   `mapstructure:"sweep"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Driver           string `mapstructure:"driver"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
}

// StripeConfig selects the card processor. An empty SecretKey runs the
// in-memory fake processor.
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	MaxRetries    uint64 `mapstructure:"max_retries"`
	MinimumCharge int64  `mapstructure:"minimum_charge"`
}

type PendingConfig struct {
	DefaultDuration   time.Duration `mapstructure:"default_duration"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	MaxStripeDuration time.Duration `mapstructure:"max_stripe_duration"`
}

type EngineConfig struct {
	MaxReplans int `mapstructure:"max_replans"`
}

type SweepConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// NewViper returns a viper instance with defaults and environment
// binding in place. Callers may bind flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "ledger.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.postgres_max_conns", 10)

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.max_retries", 3)
	v.SetDefault("stripe.minimum_charge", 50)

	v.SetDefault("pending.default_duration", 7*24*time.Hour)
	v.SetDefault("pending.max_duration", 90*24*time.Hour)
	v.SetDefault("pending.max_stripe_duration", 7*24*time.Hour)

	v.SetDefault("engine.max_replans", 3)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.batch_size", 100)
	return v
}

// Load reads file (or ledgerd.yaml when file is empty and one exists)
// into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ledgerd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations ledgerd can not start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d is out of range", c.HTTP.Port))
	}
	if c.Engine.MaxReplans < 0 {
		errs = append(errs, errors.New("engine.max_replans must not be negative"))
	}
	if c.Pending.DefaultDuration <= 0 || c.Pending.DefaultDuration > c.Pending.MaxDuration {
		errs = append(errs, errors.New("pending.default_duration must be positive and at most pending.max_duration"))
	}
	if c.Pending.MaxStripeDuration <= 0 {
		errs = append(errs, errors.New("pending.max_stripe_duration must be positive"))
	}
	if c.Stripe.MinimumCharge < 0 {
		errs = append(errs, errors.New("stripe.minimum_charge must not be negative"))
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive when the sweep is enabled"))
	}
	return errors.Join(errs...)
}

// IsProd reports whether ledgerd runs in production mode.
func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
