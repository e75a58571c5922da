package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/valueledger/logging"
)

func sweepCmd(v *viper.Viper, load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Void expired pending transactions once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.Env, cfg.LogLevel)

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("sweep finished", "voided", res.Voided, "failed", res.Failed)
			cmd.Printf("voided %d, failed %d\n", res.Voided, res.Failed)
			return nil
		},
	}
	cmd.Flags().Int("batch-size", 0, "maximum pending transactions to void")
	v.BindPFlag("sweep.batch_size", cmd.Flags().Lookup("batch-size"))
	return cmd
}
