package cli

import (
	"fmt"

	"vstage-upload/internal/app"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete checkpoints older than the resume TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.SweepCron = ""

			a, err := app.Startup(cfg, log)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			n, err := a.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d checkpoints\n", n)
			return nil
		},
	}
}
