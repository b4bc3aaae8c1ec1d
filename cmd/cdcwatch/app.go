package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/cdcwatch/internal/config"
	"github.com/yairfalse/cdcwatch/orchestrator"
	"github.com/yairfalse/cdcwatch/pipeline"
	"github.com/yairfalse/cdcwatch/storage"
	"github.com/yairfalse/cdcwatch/telemetry"
	"github.com/yairfalse/cdcwatch/types"
	"github.com/yairfalse/cdcwatch/wal"
)

// app owns everything a cycle needs for the lifetime of one command
type app struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	otel     *telemetry.Provider
	metrics  *telemetry.CycleMetrics
	store    *storage.ReportStore
	journal  *wal.WAL
	pipeline *pipeline.Pipeline
}

// cycleSummary is the journal payload of a finished cycle
type cycleSummary struct {
	Status   types.Status `json:"status"`
	HaltedAt string       `json:"halted_at,omitempty"`
	Warnings int          `json:"warnings"`
	Steps    []string     `json:"steps"`
}

// newApp wires telemetry, history, the restart journal and the pipeline.
// base carries test seams such as a dialer; its Journal, Budget and Hooks
// are set here.
func newApp(ctx context.Context, cfg *config.Config, daemonMode bool, base pipeline.Options) (a *app, err error) {
	a = &app{cfg: cfg, logger: telemetry.NewLogger("cdcwatch")}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.otel, err = telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Pipeline:       cfg.Pipeline,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a.metrics, err = telemetry.NewCycleMetrics()
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	a.store, err = storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open report history: %w", err)
	}

	a.journal, err = wal.Open(a.walConfig())
	if err != nil {
		return nil, fmt.Errorf("open restart journal: %w", err)
	}

	opts := base
	opts.Journal = a.journal
	opts.Budget = daemonMode
	opts.TrackTransitions = daemonMode
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger("pipeline")
	}
	opts.Hooks = append(opts.Hooks, a.hooks()...)

	a.pipeline, err = pipeline.Build(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) walConfig() wal.Config {
	return wal.Config{Dir: a.cfg.WAL.Dir, RetentionDays: a.cfg.WAL.RetentionDays}
}

// hooks record every finished cycle in metrics, history and the journal
func (a *app) hooks() []orchestrator.ReportHook {
	return []orchestrator.ReportHook{
		a.metrics.RecordCycle,
		func(ctx context.Context, report *types.CycleReport) {
			if _, err := a.store.Save(report); err != nil {
				a.logger.Error().Err(err).Str("cycle_id", report.ID).Msg("failed to save report")
			}
		},
		func(ctx context.Context, report *types.CycleReport) {
			summary := cycleSummary{
				Status:   report.Status,
				HaltedAt: report.HaltedAt,
				Warnings: len(report.Warnings()),
				Steps:    report.Steps(),
			}
			if err := a.journal.Append(wal.EntryCycleCompleted, report.ID, "", summary); err != nil {
				a.logger.Error().Err(err).Str("cycle_id", report.ID).Msg("failed to journal cycle")
			}
		},
	}
}

// compact trims report history to the configured size
func (a *app) compact(context.Context) error {
	removed, err := a.store.Compact(a.cfg.Storage.KeepReports)
	if err != nil {
		return err
	}
	if removed > 0 {
		a.logger.Info().Int("removed", removed).Msg("report history compacted")
	}
	return nil
}

// Close releases everything newApp opened
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
