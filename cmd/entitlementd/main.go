package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/entitlementd/internal/config"
	"github.com/rcourtman/entitlementd/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Flag overrides applied on top of the loaded configuration.
var (
	flagDataDir     string
	flagListenAddr  string
	flagMetricsAddr string
	flagRemoteURL   string
)

var rootCmd = &cobra.Command{
	Use:     "entitlementd",
	Short:   "entitlementd - subscription entitlement validation engine",
	Long:    `entitlementd decides whether an account holds a valid paid entitlement, with fraud screening, billing grace periods and bounded offline trust.`,
	Version: Version,
	// Running without a subcommand starts the authority server.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), config.ModeAuthority)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides ENTITLEMENTD_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagListenAddr, "listen", "", "API listen address")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-listen", "", "Prometheus metrics listen address")
	rootCmd.PersistentFlags().StringVar(&flagRemoteURL, "remote", "", "authority base URL for edge mode")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entitlementd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration, applies flag overrides and initializes
// logging from the result.
func loadConfig(mode string) (*config.Config, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlementd",
	})

	if flagDataDir != "" {
		// Load reads the data dir .env, so the override must be visible first.
		if err := os.Setenv(config.EnvPrefix+"DATA_DIR", flagDataDir); err != nil {
			return nil, err
		}
	}
	if mode != "" {
		if err := os.Setenv(config.EnvPrefix+"MODE", mode); err != nil {
			return nil, err
		}
	}
	if flagRemoteURL != "" {
		if err := os.Setenv(config.EnvPrefix+"REMOTE_URL", flagRemoteURL); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	applyFlagOverrides(cfg)

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
		FilePath:  cfg.LogFile,
	})
	log.Debug().Str("mode", cfg.Mode).Str("dataDir", cfg.DataDir).Msg("Configuration loaded")
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}
	if flagMetricsAddr != "" {
		cfg.MetricsAddr = flagMetricsAddr
	}
}
