package types

import (
	"errors"
	"time"
)

// Step names, in the order a cycle runs them
const (
	StepSourceHealth      = "source_health"
	StepJobStatus         = "job_status"
	StepLagMonitor        = "lag_monitor"
	StepRestartReconciler = "restart_reconciler"
	StepConsistencyGate   = "consistency_gate"
)

// StepOrder lists the CDC steps in execution order
var StepOrder = []string{
	StepSourceHealth,
	StepJobStatus,
	StepLagMonitor,
	StepRestartReconciler,
	StepConsistencyGate,
}

// Status of a step or a whole cycle
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Severity says what a step failure does to the cycle
type Severity string

const (
	SeverityHard Severity = "hard" // halts the cycle
	SeveritySoft Severity = "soft" // recorded as a warning, cycle continues
)

// StepFailure is the serialisable form of a step error
type StepFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    string    `json:"step"`
	At      time.Time `json:"at"`
}

// NewStepFailure captures err for the report without losing its kind
func NewStepFailure(step string, err error, at time.Time) *StepFailure {
	return &StepFailure{
		Kind:    KindOf(err),
		Message: err.Error(),
		Step:    step,
		At:      at,
	}
}

// ProbeResult is what a single step produced
type ProbeResult struct {
	Step      string         `json:"step"`
	Status    Status         `json:"status"`
	Severity  Severity       `json:"severity"`
	Detail    map[string]any `json:"detail,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Error     *StepFailure   `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// OK reports whether the step succeeded
func (p ProbeResult) OK() bool {
	return p.Status == StatusOK
}

// Degraded reports a soft failure or a success that carried warnings
func (p ProbeResult) Degraded() bool {
	return (p.Status == StatusFailed && p.Severity == SeveritySoft) || len(p.Warnings) > 0
}

// RestartOutcome is the per-job result of a restart attempt
type RestartOutcome string

const (
	OutcomeInitiated     RestartOutcome = "initiated"
	OutcomeRestartFailed RestartOutcome = "restart_failed"
	OutcomeSuppressed    RestartOutcome = "suppressed"
)

// RestartAttempt records what happened to one failed job in a cycle
type RestartAttempt struct {
	JobID   string         `json:"job_id"`
	Outcome RestartOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// CycleReport is the ordered result of one reconciliation cycle
type CycleReport struct {
	ID         string        `json:"id"`
	Pipeline   string        `json:"pipeline"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []ProbeResult `json:"results"`
	Status     Status        `json:"status"`
	// HaltedAt names the hard step that stopped the cycle, if any
	HaltedAt string       `json:"halted_at,omitempty"`
	Failure  *StepFailure `json:"failure,omitempty"`
}

// ErrCycleFailed is returned by Err for failed cycles
var ErrCycleFailed = errors.New("cycle failed")

// Duration is the wall time the cycle took
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Steps returns step names in execution order
func (r *CycleReport) Steps() []string {
	names := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		names = append(names, res.Step)
	}
	return names
}

// Result returns the result for a step, if the step ran
func (r *CycleReport) Result(step string) (ProbeResult, bool) {
	for _, res := range r.Results {
		if res.Step == step {
			return res, true
		}
	}
	return ProbeResult{}, false
}

// Warnings collects soft failures and warnings across all steps
func (r *CycleReport) Warnings() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusFailed && res.Severity == SeveritySoft && res.Error != nil {
			out = append(out, res.Step+": "+res.Error.Message)
		}
		for _, w := range res.Warnings {
			out = append(out, res.Step+": "+w)
		}
	}
	return out
}

// Err returns a classified error when the cycle failed, nil otherwise.
// This is the signal a scheduler should treat as invocation failure.
func (r *CycleReport) Err() error {
	if r.Status != StatusFailed {
		return nil
	}
	if r.Failure == nil {
		return ErrCycleFailed
	}
	return NewError(r.Failure.Kind, r.Failure.Step, errors.Join(ErrCycleFailed, errors.New(r.Failure.Message)))
}
