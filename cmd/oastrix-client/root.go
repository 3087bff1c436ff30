package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/config"
	"github.com/rsclarke/oastrix-client/internal/logging"
)

var (
	logger      *zap.Logger
	cfg, cfgErr = loadConfig()
)

var rootCmd = &cobra.Command{
	Use:   "oastrix-client",
	Short: "Interactsh client for out-of-band interaction testing",
	Long: `oastrix-client registers a correlation ID with an interactsh server,
prints the interaction domain to use in payloads, and decrypts the DNS,
HTTP, SMTP and other interactions the server records against it.

Settings are read from OASTRIX_* environment variables; flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load()
	if err != nil {
		return config.Default(), err
	}
	return c, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
