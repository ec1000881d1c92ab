package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/internal/config"
	"github.com/jmcleod/caledger/internal/logging"
)

var (
	configPath string
	logLevel   string

	// Set by loadConfig before any subcommand runs.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "caledger",
	Short: "caledger keeps the books of a small certificate authority",
	Long: `caledger allocates certificate serial numbers, signs client certificates
with an intermediate CA and records every issuance in a tamper-evident ledger
that exports as an OpenSSL index.txt.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CALEDGER_CONFIG"), "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	l, err := logging.New(cmd.ErrOrStderr(), c.Logging)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	slog.SetDefault(l)
	cfg, logger = c, l
	return nil
}
