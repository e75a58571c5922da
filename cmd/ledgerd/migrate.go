package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/valueledger/config"
	"github.com/warp/valueledger/logging"
)

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.Env, cfg.LogLevel)
			if cfg.Store.Driver == config.DriverMemory {
				logger.Info("memory store has no schema")
				return nil
			}

			_, _, closeStore, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			closeStore()
			logger.Info("schema up to date", "store", cfg.Store.Driver)
			return nil
		},
	}
}
