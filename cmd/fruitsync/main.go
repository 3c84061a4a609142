// Package main implements the fruitsync CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
)

var (
	configPath string
	logLevel   string

	// cfg is loaded once by the root command before any subcommand runs.
	cfg *config.Config

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fruitsync",
	Short: "Remote discovery and bandwidth shaping for FruitSalade sync",
	Long: `fruitsync walks a FruitSalade WebDAV tree the way the sync client does,
applying the selective sync lists, and exercises the bandwidth governor
against simulated transfers.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/fruitsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := logging.Init(c.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	cfg = c
	return nil
}
