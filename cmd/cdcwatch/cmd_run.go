package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cdcwatch/pipeline"
)

// runCmd runs one cycle, the mode an external scheduler invokes
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation cycle and print its report",
	Long: `Run a single reconciliation cycle: source health, job status,
replication lag, restart of failed jobs and the consistency gate.

The report is printed as JSON and saved to the report history. The
command exits non-zero when a hard step failed, so schedulers can treat
the invocation as failed.`,
	Example: `  cdcwatch run --config cdcwatch.yaml
  CDCWATCH_PG_PASSWORD=secret cdcwatch run -c cdcwatch.yaml`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, false, pipeline.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	return runCycle(ctx, a, cmd.OutOrStdout())
}

// runCycle runs one cycle, writes the report to w and returns the cycle
// error, if any
func runCycle(ctx context.Context, a *app, w io.Writer) error {
	report := a.pipeline.Orchestrator.RunCycle(ctx)

	if err := a.compact(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("report history compaction failed")
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return report.Err()
}
