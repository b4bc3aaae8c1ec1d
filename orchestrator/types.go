package orchestrator

import (
	"context"
	"time"

	"github.com/yairfalse/cdcwatch/types"
)

// Step is one stage of a reconciliation cycle
type Step interface {
	Name() string
	Run(ctx context.Context, state *CycleState) Outcome
}

// Outcome is what a step hands back to the orchestrator
type Outcome struct {
	Detail   map[string]any
	Warnings []string
	Err      error
}

// CycleState carries values produced by earlier steps to later ones.
// A new state is created for every cycle.
type CycleState struct {
	ID        string
	Pipeline  string
	StartedAt time.Time

	// Jobs is the listing taken by the job status step of this cycle
	Jobs       []types.JobRecord
	JobsListed bool

	// SourceRows is the row count seen by the source health step
	SourceRows *int64
}

// StepFunc adapts a function into a Step
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, state *CycleState) Outcome
}

func (s StepFunc) Name() string {
	return s.StepName
}

func (s StepFunc) Run(ctx context.Context, state *CycleState) Outcome {
	return s.Fn(ctx, state)
}

// ReportHook receives every finished report
type ReportHook func(ctx context.Context, report *types.CycleReport)

// DefaultHard lists the steps whose failure halts a cycle unless overridden
var DefaultHard = map[string]bool{
	types.StepSourceHealth:      true,
	types.StepJobStatus:         true,
	types.StepLagMonitor:        false,
	types.StepRestartReconciler: false,
	types.StepConsistencyGate:   true,
}
