// cdcwatch - CDC pipeline health monitor
// Probe. Reconcile. Report.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cdcwatch/internal/config"
	"github.com/yairfalse/cdcwatch/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	logJSON    bool

	rootCmd = &cobra.Command{
		Use:   "cdcwatch",
		Short: "Health monitor for PostgreSQL to Flink CDC pipelines",
		Long: `cdcwatch - CDC pipeline health monitor

cdcwatch periodically checks a change-data-capture pipeline end to end:
the source table, the Flink jobs, the replication slot and the data that
landed downstream. Failed jobs are restarted and every cycle produces a
report.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	Execute()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`cdcwatch {{.Version}}
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
}

// loadConfig reads and validates the config, then applies logging flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	telemetry.ConfigureLogging(telemetry.LogConfig{
		Level:  cfg.Log.Level,
		JSON:   cfg.Log.JSON,
		Output: os.Stderr,
	})
	return cfg, nil
}
