// Package cli is the command line front end of the upload engine.
package cli

import (
	"fmt"
	"os"

	"vstage-upload/internal/config"
	"vstage-upload/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vstage-upload",
		Short:         "Resumable multi-file uploader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newUploadCmd(), newSweepCmd())
	return root
}

// Execute runs the root command with os.Args
func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config failed: %w", err)
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogPretty, os.Stderr), nil
}
