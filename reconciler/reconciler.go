// Package reconciler requests restarts for failed streaming jobs
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/cdcwatch/telemetry"
	"github.com/yairfalse/cdcwatch/types"
	"github.com/yairfalse/cdcwatch/wal"
)

// Restarter issues a restart request for one job
type Restarter interface {
	RequestRestart(ctx context.Context, jobID string) error
}

// Journal records restart actions for audit. *wal.WAL satisfies it.
type Journal interface {
	Append(entryType wal.EntryType, cycleID, jobID string, data any) error
	AppendError(entryType wal.EntryType, cycleID, jobID string, data any, err error) error
}

// Result is the outcome of one reconcile pass
type Result struct {
	Attempts []types.RestartAttempt `json:"attempts"`
	// Warnings are problems that did not affect any restart, such as a
	// journal write failure
	Warnings []string `json:"warnings,omitempty"`
}

// Count returns how many attempts ended with outcome
func (r Result) Count(outcome types.RestartOutcome) int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome == outcome {
			n++
		}
	}
	return n
}

// Err is a RestartFailed error naming every job whose restart failed
func (r Result) Err() error {
	var failed []string
	for _, a := range r.Attempts {
		if a.Outcome == types.OutcomeRestartFailed {
			failed = append(failed, a.JobID)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return types.Errorf(types.KindRestartFailed, "restart reconciler",
		"%d of %d restarts failed: %s", len(failed), len(r.Attempts), strings.Join(failed, ", "))
}

// Reconciler requests a restart for every failed job in a cycle's snapshot
type Reconciler struct {
	restarter Restarter
	journal   Journal
	budget    *Budget
	logger    *telemetry.Logger
	now       func() time.Time
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithJournal records every attempt in j
func WithJournal(j Journal) Option {
	return func(r *Reconciler) {
		r.journal = j
	}
}

// WithBudget throttles restarts per job
func WithBudget(b *Budget) Option {
	return func(r *Reconciler) {
		r.budget = b
	}
}

// WithLogger sets the logger
func WithLogger(l *telemetry.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a reconciler
func New(restarter Restarter, opts ...Option) *Reconciler {
	r := &Reconciler{
		restarter: restarter,
		logger:    telemetry.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile requests at most one restart per failed job id, in listing
// order. A failed request never stops the remaining ones. Requests
// already sent are not undone if ctx is cancelled.
func (r *Reconciler) Reconcile(ctx context.Context, jobs []types.JobRecord) Result {
	cycleID := types.CycleIDFrom(ctx)
	result := Result{Attempts: []types.RestartAttempt{}}

	if r.budget.Enabled() {
		r.budget.Prune(r.now())
	}

	for _, id := range types.FailedJobIDs(jobs) {
		attempt := r.restartOne(ctx, cycleID, id, &result)
		r.logger.LogRestart(ctx, attempt)
		result.Attempts = append(result.Attempts, attempt)
	}
	return result
}

func (r *Reconciler) restartOne(ctx context.Context, cycleID, jobID string, result *Result) types.RestartAttempt {
	now := r.now()

	if !r.budget.Allow(jobID, now) {
		r.journalAppend(result, wal.EntryRestartSuppressed, cycleID, jobID, nil)
		return types.RestartAttempt{
			JobID:   jobID,
			Outcome: types.OutcomeSuppressed,
			Error:   fmt.Sprintf("restart budget of %d per %s exhausted", r.budget.max, r.budget.window),
		}
	}

	r.journalAppend(result, wal.EntryRestartRequested, cycleID, jobID, nil)
	r.budget.Record(jobID, now)

	if err := r.restarter.RequestRestart(ctx, jobID); err != nil {
		r.journalAppendError(result, wal.EntryRestartFailed, cycleID, jobID, err)
		return types.RestartAttempt{
			JobID:   jobID,
			Outcome: types.OutcomeRestartFailed,
			Error:   err.Error(),
		}
	}

	r.journalAppend(result, wal.EntryRestartInitiated, cycleID, jobID, nil)
	return types.RestartAttempt{JobID: jobID, Outcome: types.OutcomeInitiated}
}

func (r *Reconciler) journalAppend(result *Result, entryType wal.EntryType, cycleID, jobID string, data any) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(entryType, cycleID, jobID, data); err != nil {
		r.journalFailed(result, entryType, jobID, err)
	}
}

func (r *Reconciler) journalAppendError(result *Result, entryType wal.EntryType, cycleID, jobID string, cause error) {
	if r.journal == nil {
		return
	}
	if err := r.journal.AppendError(entryType, cycleID, jobID, nil, cause); err != nil {
		r.journalFailed(result, entryType, jobID, err)
	}
}

func (r *Reconciler) journalFailed(result *Result, entryType wal.EntryType, jobID string, err error) {
	r.logger.Error().Err(err).Str("job_id", jobID).Str("entry", string(entryType)).Msg("failed to journal restart")
	result.Warnings = append(result.Warnings, fmt.Sprintf("journal %s for %s: %v", entryType, jobID, err))
}
