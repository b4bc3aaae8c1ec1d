package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cdcwatch/internal/daemon"
	"github.com/yairfalse/cdcwatch/pipeline"
	"github.com/yairfalse/cdcwatch/telemetry"
)

var (
	daemonInterval   time.Duration
	daemonRunOnStart bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run reconciliation cycles on a schedule",
	Long: `Run cdcwatch as a long-lived process that runs a cycle every interval.

Features:
- At most one cycle at a time; ticks during a running cycle are skipped
- Per-job restart budget to stop restart loops
- Prometheus metrics on /metrics
- Health checks on /health, /-/healthy, /-/ready
- Restart journal cleanup and report history compaction
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  cdcwatch daemon -c cdcwatch.yaml
  cdcwatch daemon -c cdcwatch.yaml --interval 15m`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Cycle interval (overrides schedule.interval)")
	daemonCmd.Flags().BoolVar(&daemonRunOnStart, "run-on-start", true, "Run a cycle immediately on start")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonInterval > 0 {
		cfg.Schedule.Interval = daemonInterval
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, true, pipeline.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	d, err := newDaemon(a, daemonRunOnStart)
	if err != nil {
		return err
	}

	a.logger.Info().Str("layout", a.pipeline.Orchestrator.String()).Msg("cycle layout")
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}

func newDaemon(a *app, runOnStart bool) (*daemon.Daemon, error) {
	opts := []daemon.Option{
		daemon.WithMetrics(a.metrics),
		daemon.WithLogger(telemetry.NewLogger("daemon")),
		daemon.WithSignals(),
		daemon.WithTask("journal cleanup", func(context.Context) error {
			stats, err := a.journal.Cleanup(time.Now())
			if err != nil {
				return err
			}
			if stats.FilesRemoved > 0 {
				a.logger.Info().Int("files", stats.FilesRemoved).Int64("bytes", stats.BytesFreed).Msg("restart journal cleaned up")
			}
			return nil
		}),
		daemon.WithTask("history compaction", a.compact),
	}
	if budget := a.pipeline.Budget; budget != nil {
		opts = append(opts, daemon.WithTask("restart budget prune", func(context.Context) error {
			budget.Prune(time.Now())
			return nil
		}))
	}

	return daemon.NewDaemon(daemon.Config{
		Pipeline:       a.cfg.Pipeline,
		Interval:       a.cfg.Schedule.Interval,
		MetricsAddr:    a.cfg.Telemetry.MetricsAddr,
		MetricsHandler: a.otel.MetricsHandler(),
		RunOnStart:     runOnStart,
	}, a.pipeline.Orchestrator, opts...)
}
