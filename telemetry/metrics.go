package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cdcwatch/types"
)

// Tracer returns the tracer used for cycle and step spans
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// CycleMetrics holds the pipeline health instruments
type CycleMetrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	stepResults   metric.Int64Counter
	restarts      metric.Int64Counter
	skippedTicks  metric.Int64Counter
	sourceRows    metric.Int64Gauge
	slotActive    metric.Int64Gauge
	slotLagBytes  metric.Int64Gauge
	failedJobs    metric.Int64Gauge
}

// NewCycleMetrics creates instruments from the global meter provider
func NewCycleMetrics() (*CycleMetrics, error) {
	return NewCycleMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewCycleMetricsWithMeter creates instruments from a specific meter
func NewCycleMetricsWithMeter(meter metric.Meter) (*CycleMetrics, error) {
	m := &CycleMetrics{}
	var err error

	m.cycles, err = meter.Int64Counter("cdcwatch.cycles",
		metric.WithDescription("Number of reconciliation cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycles counter: %w", err)
	}

	m.cycleDuration, err = meter.Float64Histogram("cdcwatch.cycle.duration",
		metric.WithDescription("Duration of reconciliation cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle duration histogram: %w", err)
	}

	m.stepResults, err = meter.Int64Counter("cdcwatch.step.results",
		metric.WithDescription("Step outcomes by step and status"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create step results counter: %w", err)
	}

	m.restarts, err = meter.Int64Counter("cdcwatch.job.restarts",
		metric.WithDescription("Job restart attempts by outcome"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create restarts counter: %w", err)
	}

	m.skippedTicks, err = meter.Int64Counter("cdcwatch.ticks.skipped",
		metric.WithDescription("Ticks skipped because a cycle was still running"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create skipped ticks counter: %w", err)
	}

	m.sourceRows, err = meter.Int64Gauge("cdcwatch.source.rows",
		metric.WithDescription("Row count of the monitored source table"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create source rows gauge: %w", err)
	}

	m.slotActive, err = meter.Int64Gauge("cdcwatch.slot.active",
		metric.WithDescription("1 when the replication slot exists and is active"),
	)
	if err != nil {
		return nil, fmt.Errorf("create slot active gauge: %w", err)
	}

	m.slotLagBytes, err = meter.Int64Gauge("cdcwatch.slot.lag",
		metric.WithDescription("Bytes between current WAL position and confirmed flush"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create slot lag gauge: %w", err)
	}

	m.failedJobs, err = meter.Int64Gauge("cdcwatch.jobs.failed",
		metric.WithDescription("Jobs reported as failed in the latest cycle"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failed jobs gauge: %w", err)
	}

	return m, nil
}

// RecordCycle records one finished cycle, its steps and the values they observed
func (m *CycleMetrics) RecordCycle(ctx context.Context, report *types.CycleReport) {
	pipeline := attribute.String("cdc.pipeline", report.Pipeline)

	m.cycles.Add(ctx, 1, metric.WithAttributes(pipeline, attribute.String("status", string(report.Status))))
	m.cycleDuration.Record(ctx, report.Duration().Seconds(),
		metric.WithAttributes(pipeline, attribute.String("status", string(report.Status))))

	for _, res := range report.Results {
		m.stepResults.Add(ctx, 1, metric.WithAttributes(
			pipeline,
			attribute.String("step", res.Step),
			attribute.String("status", string(res.Status)),
			attribute.String("severity", string(res.Severity)),
		))
		m.recordStepDetail(ctx, pipeline, res)
	}
}

func (m *CycleMetrics) recordStepDetail(ctx context.Context, pipeline attribute.KeyValue, res types.ProbeResult) {
	if !res.OK() && res.Step != types.StepRestartReconciler {
		return
	}

	switch res.Step {
	case types.StepSourceHealth:
		if rows, ok := res.Detail["row_count"].(int64); ok {
			m.sourceRows.Record(ctx, rows, metric.WithAttributes(pipeline))
		}
	case types.StepJobStatus:
		if failed, ok := res.Detail["failed"].(int); ok {
			m.failedJobs.Record(ctx, int64(failed), metric.WithAttributes(pipeline))
		}
	case types.StepLagMonitor:
		var active int64
		if a, ok := res.Detail["active"].(bool); ok && a {
			active = 1
		}
		m.slotActive.Record(ctx, active, metric.WithAttributes(pipeline))
		if lag, ok := res.Detail["lag_bytes"].(int64); ok {
			m.slotLagBytes.Record(ctx, lag, metric.WithAttributes(pipeline))
		}
	case types.StepRestartReconciler:
		attempts, _ := res.Detail["attempts"].([]types.RestartAttempt)
		for _, a := range attempts {
			m.restarts.Add(ctx, 1, metric.WithAttributes(pipeline, attribute.String("outcome", string(a.Outcome))))
		}
	}
}

// RecordSkippedTick counts a tick dropped by single-flight
func (m *CycleMetrics) RecordSkippedTick(ctx context.Context, pipeline string) {
	m.skippedTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("cdc.pipeline", pipeline)))
}
