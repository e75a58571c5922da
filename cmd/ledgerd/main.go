/*
main.go - ledgerd entry point

PURPOSE:
  Command-line front end of the value ledger. Subcommands share one
  configuration pipeline: defaults, ledgerd.yaml, LEDGER_* environment
  variables, then flags.

COMMANDS:
  serve     Run the HTTP API and the background expiry sweep
  sweep     Run one expiry sweep pass and exit
  migrate   Create or upgrade the store schema and exit

EXAMPLES:
  # Development: SQLite file, fake card processor
  ledgerd serve --db ./data/ledger.db

  # Production
  LEDGER_ENV=prod LEDGER_STORE_DRIVER=postgres \
  LEDGER_STORE_POSTGRES_DSN=postgres://... \
  LEDGER_STRIPE_SECRET_KEY=sk_live_... ledgerd serve

  # Cron-driven sweep instead of the in-process ticker
  ledgerd sweep --batch-size 500

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration keys
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/valueledger/config"
)

var Version = "dev"

func main() {
	v := config.NewViper()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "ledgerd - stored-value ledger service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./ledgerd.yaml if present)")
	rootCmd.PersistentFlags().String("store", "", "store driver: memory, sqlite or postgres")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	v.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
	v.BindPFlag("store.sqlite_path", rootCmd.PersistentFlags().Lookup("db"))
	v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	load := func() (*config.Config, error) {
		return config.Load(v, configFile)
	}

	rootCmd.AddCommand(serveCmd(v, load))
	rootCmd.AddCommand(sweepCmd(v, load))
	rootCmd.AddCommand(migrateCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loader reads configuration after flags are parsed.
type loader func() (*config.Config, error)
