package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "forgeguard",
	Short: "Security enforcement pipeline for AI agent platforms",
	Long: "Rate limits, scans and audits every inbound message and tool call.\n" +
		"Decisions land in a hash-chained audit ledger; high-risk entries raise alerts.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default $"+config.EnvConfigPath+" or ~/.forgeguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (text, json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyLogFlags(cfg)
	return cfg, nil
}

func applyLogFlags(cfg *config.Config) {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}
