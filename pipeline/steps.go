// Package pipeline wires the CDC probes into orchestrator steps
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/cdcwatch/internal/jobdiff"
	"github.com/yairfalse/cdcwatch/orchestrator"
	"github.com/yairfalse/cdcwatch/policy"
	"github.com/yairfalse/cdcwatch/reconciler"
	"github.com/yairfalse/cdcwatch/types"
)

// RowCounter is the source health probe
type RowCounter interface {
	Check(ctx context.Context) (int64, error)
}

// JobLister reads the job listing from the cluster
type JobLister interface {
	ListJobs(ctx context.Context) ([]types.JobRecord, error)
}

// SlotObserver looks up the replication slot
type SlotObserver interface {
	Observe(ctx context.Context) (types.SlotObservation, error)
}

// JobReconciler restarts failed jobs from a listing
type JobReconciler interface {
	Reconcile(ctx context.Context, jobs []types.JobRecord) reconciler.Result
}

// Snapshotter runs the consistency aggregate
type Snapshotter interface {
	Snapshot(ctx context.Context) (types.ConsistencySnapshot, error)
}

// Asserter checks a snapshot against consistency rules
type Asserter interface {
	Check(ctx context.Context, input policy.Input) ([]string, error)
}

// SourceHealthStep checks the source table and records its row count
type SourceHealthStep struct {
	Probe   RowCounter
	Table   string
	MinRows int64
}

func (s *SourceHealthStep) Name() string { return types.StepSourceHealth }

func (s *SourceHealthStep) Run(ctx context.Context, state *orchestrator.CycleState) orchestrator.Outcome {
	count, err := s.Probe.Check(ctx)
	if err != nil {
		return orchestrator.Outcome{Detail: map[string]any{"table": s.Table}, Err: err}
	}
	state.SourceRows = &count

	out := orchestrator.Outcome{Detail: map[string]any{"table": s.Table, "row_count": count}}
	if count < s.MinRows {
		out.Warnings = append(out.Warnings, fmt.Sprintf("row count %d below minimum %d", count, s.MinRows))
	}
	return out
}

// JobStatusStep takes the job listing the rest of the cycle works from
type JobStatusStep struct {
	Lister JobLister
	// Transitions, when set, annotates the detail with changes since the
	// previous cycle's listing
	Transitions *jobdiff.Tracker
}

func (s *JobStatusStep) Name() string { return types.StepJobStatus }

func (s *JobStatusStep) Run(ctx context.Context, state *orchestrator.CycleState) orchestrator.Outcome {
	jobs, err := s.Lister.ListJobs(ctx)
	if err != nil {
		return orchestrator.Outcome{Err: err}
	}
	state.Jobs = jobs
	state.JobsListed = true

	counts := types.CountByStatus(jobs)
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	out := orchestrator.Outcome{Detail: map[string]any{
		"jobs":      jobs,
		"total":     len(jobs),
		"failed":    counts[types.JobFailed],
		"by_status": byStatus,
	}}
	if n := counts[types.JobUnknown]; n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d job(s) in an unrecognised state", n))
	}
	if s.Transitions != nil {
		if diffs := s.Transitions.Observe(jobs); diffs != nil {
			newlyFailed := 0
			for _, d := range diffs {
				if d.IntoFailure() {
					newlyFailed++
				}
			}
			out.Detail["transitions"] = diffs
			out.Detail["newly_failed"] = newlyFailed
		}
	}
	return out
}

// LagMonitorStep reports replication slot state and lag
type LagMonitorStep struct {
	Monitor     SlotObserver
	MaxLagBytes int64
}

func (s *LagMonitorStep) Name() string { return types.StepLagMonitor }

func (s *LagMonitorStep) Run(ctx context.Context, _ *orchestrator.CycleState) orchestrator.Outcome {
	obs, err := s.Monitor.Observe(ctx)
	if err != nil {
		return orchestrator.Outcome{Err: err}
	}

	detail := map[string]any{"slot_name": obs.SlotName, "found": obs.Found}
	if !obs.Found {
		return orchestrator.Outcome{
			Detail:   detail,
			Warnings: []string{fmt.Sprintf("replication slot %q not found", obs.SlotName)},
		}
	}

	slot := obs.Slot
	detail["active"] = slot.Active
	if slot.RestartLSN != nil {
		detail["restart_lsn"] = *slot.RestartLSN
	}
	if slot.ConfirmedFlushLSN != nil {
		detail["confirmed_flush_lsn"] = *slot.ConfirmedFlushLSN
	}
	if slot.LagBytes != nil {
		detail["lag_bytes"] = *slot.LagBytes
	}

	out := orchestrator.Outcome{Detail: detail}
	if !slot.Active {
		out.Warnings = append(out.Warnings, fmt.Sprintf("replication slot %q is inactive", obs.SlotName))
	}
	if s.MaxLagBytes > 0 && slot.LagBytes != nil && *slot.LagBytes > s.MaxLagBytes {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("replication slot %q lag %d bytes exceeds %d", obs.SlotName, *slot.LagBytes, s.MaxLagBytes))
	}
	return out
}

// RestartStep restarts the failed jobs of this cycle's listing
type RestartStep struct {
	Reconciler JobReconciler
}

func (s *RestartStep) Name() string { return types.StepRestartReconciler }

func (s *RestartStep) Run(ctx context.Context, state *orchestrator.CycleState) orchestrator.Outcome {
	if !state.JobsListed {
		return orchestrator.Outcome{
			Detail:   map[string]any{"attempts": []types.RestartAttempt{}},
			Warnings: []string{"no job listing in this cycle, nothing to reconcile"},
		}
	}

	res := s.Reconciler.Reconcile(ctx, state.Jobs)
	return orchestrator.Outcome{
		Detail: map[string]any{
			"attempts":   res.Attempts,
			"initiated":  res.Count(types.OutcomeInitiated),
			"failed":     res.Count(types.OutcomeRestartFailed),
			"suppressed": res.Count(types.OutcomeSuppressed),
		},
		Warnings: res.Warnings,
		Err:      res.Err(),
	}
}

// ConsistencyStep surfaces the aggregate snapshot and, when a policy is
// configured, fails on any violation
type ConsistencyStep struct {
	Gate     Snapshotter
	Asserter Asserter
	Now      func() time.Time
}

func (s *ConsistencyStep) Name() string { return types.StepConsistencyGate }

func (s *ConsistencyStep) Run(ctx context.Context, state *orchestrator.CycleState) orchestrator.Outcome {
	snap, err := s.Gate.Snapshot(ctx)
	if err != nil {
		return orchestrator.Outcome{Err: err}
	}

	detail := map[string]any{
		"table":      snap.Table,
		"row_count":  snap.RowCount,
		"aggregates": snap.Aggregates,
	}
	if s.Asserter == nil {
		return orchestrator.Outcome{Detail: detail}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	violations, err := s.Asserter.Check(ctx, policy.NewInput(state.Pipeline, snap, state.SourceRows, now()))
	detail["violations"] = violations
	return orchestrator.Outcome{Detail: detail, Err: err}
}
