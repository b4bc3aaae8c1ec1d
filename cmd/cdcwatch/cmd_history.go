package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cdcwatch/storage"
	"github.com/yairfalse/cdcwatch/wal"
)

var (
	historyLimit    int
	historyJob      string
	historyRestarts bool
	historySince    time.Duration
)

// historyCmd shows past cycles and restart actions
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past cycle reports and restart actions",
	Long: `Show what earlier cycles found.

By default lists the most recent cycle reports. --job shows the restart
history of one job, --restarts replays the restart journal.`,
	Example: `  cdcwatch history -c cdcwatch.yaml
  cdcwatch history --limit 50
  cdcwatch history --job 5f3c...
  cdcwatch history --restarts --since 24h`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of reports to show (0 for all)")
	historyCmd.Flags().StringVar(&historyJob, "job", "", "Show restart history for one job")
	historyCmd.Flags().BoolVar(&historyRestarts, "restarts", false, "Replay the restart journal")
	historyCmd.Flags().DurationVar(&historySince, "since", 24*time.Hour, "How far back --restarts looks")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if historyRestarts {
		walCfg := wal.Config{Dir: cfg.WAL.Dir, RetentionDays: cfg.WAL.RetentionDays}
		return printRestarts(out, walCfg, time.Now().Add(-historySince))
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if historyJob != "" {
		return printJob(out, store, historyJob)
	}
	return printReports(out, store, historyLimit)
}

func printReports(w io.Writer, store *storage.ReportStore, limit int) error {
	entries, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no cycles recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tCYCLE\tSTARTED\tDURATION\tSTATUS\tHALTED AT\tWARNINGS")
	for _, e := range entries {
		r := e.Report
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.Revision, r.ID, r.StartedAt.Format(time.RFC3339),
			r.Duration().Round(time.Millisecond), r.Status, dash(r.HaltedAt), len(r.Warnings()))
	}
	return tw.Flush()
}

func printJob(w io.Writer, store *storage.ReportStore, jobID string) error {
	job, err := store.Job(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		_, err := fmt.Fprintf(w, "no restarts recorded for job %s\n", jobID)
		return err
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "job\t%s\n", job.JobID)
	fmt.Fprintf(tw, "first failed\trevision %d\n", job.FirstFailedRev)
	fmt.Fprintf(tw, "last attempt\trevision %d at %s\n", job.LastAttemptRev, job.LastAttemptAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "last outcome\t%s\n", job.LastOutcome)
	fmt.Fprintf(tw, "initiated\t%d\n", job.Initiated)
	fmt.Fprintf(tw, "failed\t%d\n", job.Failed)
	fmt.Fprintf(tw, "suppressed\t%d\n", job.Suppressed)
	return tw.Flush()
}

func printRestarts(w io.Writer, cfg wal.Config, since time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCYCLE\tJOB\tEVENT\tERROR")

	n := 0
	err := wal.Replay(cfg, since, func(e *wal.Entry) error {
		if e.Type == wal.EntryCycleCompleted {
			return nil
		}
		n++
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.CycleID, e.JobID, e.Type, dash(e.Error))
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := fmt.Fprintf(w, "no restart actions since %s\n", since.Format(time.RFC3339))
		return err
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
