// Package orchestrator runs the CDC health steps as one ordered cycle
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cdcwatch/telemetry"
	"github.com/yairfalse/cdcwatch/types"
)

// Orchestrator runs its steps strictly in order, once per RunCycle call.
// It keeps no state between cycles.
type Orchestrator struct {
	pipeline  string
	steps     []Step
	overrides map[string]bool
	logger    *telemetry.Logger
	tracer    trace.Tracer
	hooks     []ReportHook
	now       func() time.Time
	newID     func() string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPipeline names the pipeline in reports
func WithPipeline(name string) Option {
	return func(o *Orchestrator) {
		o.pipeline = name
	}
}

// WithClassification overrides hard/soft per step name
func WithClassification(hard map[string]bool) Option {
	return func(o *Orchestrator) {
		for name, isHard := range hard {
			o.overrides[name] = isHard
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *telemetry.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithTracer sets the tracer for cycle and step spans
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithReportHook registers fn to run after every cycle
func WithReportHook(fn ReportHook) Option {
	return func(o *Orchestrator) {
		o.hooks = append(o.hooks, fn)
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator overrides cycle id generation
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// New creates an orchestrator for steps, run in the order given
func New(steps []Step, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		steps:     steps,
		overrides: make(map[string]bool),
		logger:    telemetry.Nop(),
		tracer:    telemetry.Tracer(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pipeline returns the pipeline name
func (o *Orchestrator) Pipeline() string {
	return o.pipeline
}

// Steps returns the step names in execution order
func (o *Orchestrator) Steps() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name()
	}
	return names
}

// Severity returns how a failure of step is treated. Steps without a
// default or an override are hard.
func (o *Orchestrator) Severity(step string) types.Severity {
	isHard, ok := o.overrides[step]
	if !ok {
		isHard, ok = DefaultHard[step]
	}
	if !ok || isHard {
		return types.SeverityHard
	}
	return types.SeveritySoft
}

// RunCycle executes every step in order. A failed hard step, or a context
// cancelled between steps, halts the cycle. Failed soft steps are recorded
// and the cycle continues. RunCycle always returns a report.
func (o *Orchestrator) RunCycle(ctx context.Context) *types.CycleReport {
	id := o.newID()
	ctx = types.WithCycleID(ctx, id)

	ctx, span := o.tracer.Start(ctx, "cdcwatch.cycle",
		trace.WithAttributes(
			attribute.String("cdc.pipeline", o.pipeline),
			attribute.String("cycle.id", id),
		))
	defer span.End()

	start := o.now()
	report := &types.CycleReport{
		ID:        id,
		Pipeline:  o.pipeline,
		StartedAt: start,
		Results:   make([]types.ProbeResult, 0, len(o.steps)),
		Status:    types.StatusOK,
	}
	state := &CycleState{ID: id, Pipeline: o.pipeline, StartedAt: start}

	for _, step := range o.steps {
		if err := ctx.Err(); err != nil {
			res := o.canceled(ctx, step.Name(), err)
			report.Results = append(report.Results, res)
			o.halt(report, res.Error)
			break
		}

		res := o.runStep(ctx, step, state)
		report.Results = append(report.Results, res)

		if res.Status == types.StatusFailed && res.Severity == types.SeverityHard {
			o.halt(report, res.Error)
			break
		}
	}

	report.FinishedAt = o.now()

	if report.Status == types.StatusFailed {
		span.SetStatus(codes.Error, report.Failure.Message)
	}
	span.SetAttributes(attribute.String("cycle.status", string(report.Status)))

	o.logger.LogCycleComplete(ctx, report)
	for _, hook := range o.hooks {
		hook(ctx, report)
	}
	return report
}

// canceled records a step that never started because ctx ended first
func (o *Orchestrator) canceled(ctx context.Context, name string, cause error) types.ProbeResult {
	now := o.now()
	res := types.ProbeResult{
		Step:      name,
		Status:    types.StatusFailed,
		Severity:  o.Severity(name),
		Error:     types.NewStepFailure(name, types.NewError(types.KindCanceled, name, cause), now),
		StartedAt: now,
	}
	o.logger.LogStepResult(ctx, res)
	return res
}

func (o *Orchestrator) halt(report *types.CycleReport, failure *types.StepFailure) {
	report.Status = types.StatusFailed
	report.HaltedAt = failure.Step
	report.Failure = failure
}

func (o *Orchestrator) runStep(ctx context.Context, step Step, state *CycleState) types.ProbeResult {
	name := step.Name()
	severity := o.Severity(name)

	ctx, span := o.tracer.Start(ctx, "cdcwatch.step."+name,
		trace.WithAttributes(
			attribute.String("step.name", name),
			attribute.String("step.severity", string(severity)),
		))
	defer span.End()

	o.logger.LogSpanStart(ctx, name, attribute.String("severity", string(severity)))

	start := o.now()
	out := o.safeRun(ctx, step, state)

	res := types.ProbeResult{
		Step:      name,
		Status:    types.StatusOK,
		Severity:  severity,
		Detail:    out.Detail,
		Warnings:  out.Warnings,
		StartedAt: start,
		Duration:  o.now().Sub(start),
	}
	if out.Err != nil {
		res.Status = types.StatusFailed
		res.Error = types.NewStepFailure(name, out.Err, o.now())
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}

	o.logger.LogStepResult(ctx, res)
	return res
}

// safeRun turns a panicking step into a failed outcome
func (o *Orchestrator) safeRun(ctx context.Context, step Step, state *CycleState) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: types.Errorf(types.KindUnknown, step.Name(), "step panicked: %v", r)}
		}
	}()
	return step.Run(ctx, state)
}

// String describes the cycle layout, for logs
func (o *Orchestrator) String() string {
	s := fmt.Sprintf("pipeline %s:", o.pipeline)
	for _, name := range o.Steps() {
		s += fmt.Sprintf(" %s(%s)", name, o.Severity(name))
	}
	return s
}
