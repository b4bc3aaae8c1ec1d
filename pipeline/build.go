package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yairfalse/cdcwatch/flink"
	"github.com/yairfalse/cdcwatch/internal/config"
	"github.com/yairfalse/cdcwatch/internal/jobdiff"
	"github.com/yairfalse/cdcwatch/orchestrator"
	"github.com/yairfalse/cdcwatch/policy"
	"github.com/yairfalse/cdcwatch/reconciler"
	"github.com/yairfalse/cdcwatch/source"
	"github.com/yairfalse/cdcwatch/telemetry"
)

// Components are the collaborators of the five CDC steps
type Components struct {
	Source      RowCounter
	SourceTable string
	MinRows     int64
	Jobs        JobLister
	Transitions *jobdiff.Tracker
	Slot        SlotObserver
	MaxLagBytes int64
	Reconciler  JobReconciler
	Gate        Snapshotter
	// Asserter is optional
	Asserter Asserter
}

// Steps returns the CDC steps in their fixed order
func Steps(c Components) []orchestrator.Step {
	return []orchestrator.Step{
		&SourceHealthStep{Probe: c.Source, Table: c.SourceTable, MinRows: c.MinRows},
		&JobStatusStep{Lister: c.Jobs, Transitions: c.Transitions},
		&LagMonitorStep{Monitor: c.Slot, MaxLagBytes: c.MaxLagBytes},
		&RestartStep{Reconciler: c.Reconciler},
		&ConsistencyStep{Gate: c.Gate, Asserter: c.Asserter},
	}
}

// Options carries process-level wiring that does not come from the config file
type Options struct {
	// Dialer replaces the pgx dialer
	Dialer source.Dialer
	// HTTPClient replaces the job manager HTTP client
	HTTPClient *http.Client
	// Journal records restart actions
	Journal reconciler.Journal
	// Budget enables the restart budget from config. Only long-running
	// processes should set it.
	Budget bool
	// TrackTransitions reports job status changes between cycles
	TrackTransitions bool
	Logger           *telemetry.Logger
	Hooks            []orchestrator.ReportHook
}

// Pipeline is a fully wired orchestrator and the clients it owns
type Pipeline struct {
	Orchestrator *orchestrator.Orchestrator
	Flink        *flink.Client
	Budget       *reconciler.Budget
}

// Build wires the CDC pipeline described by cfg
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewLogger("pipeline")
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = source.NewPgxDialer(cfg.Postgres.ConnString(), cfg.Postgres.ConnectTimeout)
	}
	db := source.NewClient(dialer, cfg.Timeouts.Call)

	health, err := source.NewHealthProbe(db, cfg.Source.Table)
	if err != nil {
		return nil, fmt.Errorf("source health: %w", err)
	}

	aggregates := make([]source.Aggregate, 0, len(cfg.Consistency.Aggregates))
	for _, a := range cfg.Consistency.Aggregates {
		aggregates = append(aggregates, source.Aggregate{Name: a.Name, Func: a.Func, Column: a.Column})
	}
	gate, err := source.NewConsistencyGate(db, cfg.Consistency.Table, aggregates)
	if err != nil {
		return nil, fmt.Errorf("consistency gate: %w", err)
	}

	flinkOpts := []flink.Option{flink.WithTimeout(cfg.Timeouts.Call)}
	if opts.HTTPClient != nil {
		flinkOpts = append(flinkOpts, flink.WithHTTPClient(opts.HTTPClient))
	}
	jobs := flink.NewClient(cfg.Flink.BaseURL, flinkOpts...)

	p := &Pipeline{Flink: jobs}

	recOpts := []reconciler.Option{reconciler.WithLogger(logger.With("step", "restart_reconciler"))}
	if opts.Journal != nil {
		recOpts = append(recOpts, reconciler.WithJournal(opts.Journal))
	}
	if opts.Budget && cfg.Reconciler.MaxRestartsPerJob > 0 {
		p.Budget = reconciler.NewBudget(cfg.Reconciler.MaxRestartsPerJob, cfg.Reconciler.BudgetWindow)
		recOpts = append(recOpts, reconciler.WithBudget(p.Budget))
	}

	components := Components{
		Source:      health,
		SourceTable: cfg.Source.Table,
		MinRows:     cfg.Source.MinRows,
		Jobs:        jobs,
		Slot:        source.NewLagMonitor(db, cfg.Lag.SlotName),
		MaxLagBytes: cfg.Lag.MaxLagBytes,
		Reconciler:  reconciler.New(jobs, recOpts...),
		Gate:        gate,
	}
	if opts.TrackTransitions {
		components.Transitions = jobdiff.NewTracker()
	}

	if cfg.Consistency.PolicyFile != "" {
		evaluator, err := policy.LoadFile(ctx, cfg.Consistency.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("consistency policy: %w", err)
		}
		components.Asserter = evaluator
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithPipeline(cfg.Pipeline),
		orchestrator.WithClassification(cfg.HardOverrides()),
		orchestrator.WithLogger(logger),
	}
	for _, hook := range opts.Hooks {
		orchOpts = append(orchOpts, orchestrator.WithReportHook(hook))
	}

	p.Orchestrator = orchestrator.New(Steps(components), orchOpts...)

	logger.Info().
		Str("pipeline", cfg.Pipeline).
		Str("flink", jobs.BaseURL()).
		Str("table", cfg.Source.Table).
		Str("slot", cfg.Lag.SlotName).
		Bool("policy", components.Asserter != nil).
		Bool("restart_budget", p.Budget != nil).
		Msg("pipeline built")

	return p, nil
}
