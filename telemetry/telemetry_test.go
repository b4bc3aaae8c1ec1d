package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cdcwatch/types"
)

func TestOTELHook_Run(t *testing.T) {
	tests := []struct {
		name        string
		setupCtx    func() context.Context
		expectTrace bool
	}{
		{
			name:     "no context",
			setupCtx: func() context.Context { return nil },
		},
		{
			name:     "context without span",
			setupCtx: context.Background,
		},
		{
			name: "context with valid span",
			setupCtx: func() context.Context {
				ctx, _ := newTestTracer().Start(context.Background(), "test-span")
				return ctx
			},
			expectTrace: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			event := logger.Info().Ctx(tt.setupCtx())
			OTELHook{}.Run(event, zerolog.InfoLevel, "test message")
			event.Msg("test")

			if tt.expectTrace {
				assert.Contains(t, buf.String(), "trace_id")
				assert.Contains(t, buf.String(), "span_id")
			} else {
				assert.NotContains(t, buf.String(), "trace_id")
				assert.NotContains(t, buf.String(), "span_id")
			}
		})
	}
}

func TestOTELHook_ErrorLevel(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	ctx, span := provider.Tracer("test").Start(context.Background(), "test-span")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	event := logger.Error().Ctx(ctx)
	OTELHook{}.Run(event, zerolog.ErrorLevel, "error message")
	event.Msg("test error")

	span.End()
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "error message", spans[0].Status.Description)
}

func TestConfigureLogging(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prev)
		ConfigureLogging(LogConfig{Level: "debug", JSON: true})
	})

	var buf bytes.Buffer
	ConfigureLogging(LogConfig{Level: "warn", JSON: true, Output: &buf})

	logger := NewLogger("cdc")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), `"component":"cdc"`)
}

func TestLogger_LogSpanStart(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "test")

	logger.LogSpanStart(context.Background(), "step.source_health",
		attribute.String("cdc.table", "public.demographics"),
		attribute.Int("attempt", 2),
		attribute.Bool("hard", true),
	)

	out := buf.String()
	assert.Contains(t, out, "span started")
	assert.Contains(t, out, "step.source_health")
	assert.Contains(t, out, "public.demographics")
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"hard":true`)
}

func TestLogger_LogSpanEnd(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "test")

	logger.LogSpanEnd(context.Background(), "cycle", errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	logger.LogSpanEnd(context.Background(), "cycle", nil)
	assert.Contains(t, buf.String(), "span completed")
}

func TestLogger_LogStepResult(t *testing.T) {
	tests := []struct {
		name      string
		result    types.ProbeResult
		wantLevel string
	}{
		{
			name:      "ok",
			result:    types.ProbeResult{Step: types.StepSourceHealth, Status: types.StatusOK, Severity: types.SeverityHard},
			wantLevel: "info",
		},
		{
			name: "hard failure",
			result: types.ProbeResult{
				Step:     types.StepJobStatus,
				Status:   types.StatusFailed,
				Severity: types.SeverityHard,
				Error:    &types.StepFailure{Kind: types.KindTransport, Message: "connection refused"},
			},
			wantLevel: "error",
		},
		{
			name: "soft failure",
			result: types.ProbeResult{
				Step:     types.StepLagMonitor,
				Status:   types.StatusFailed,
				Severity: types.SeveritySoft,
				Error:    &types.StepFailure{Kind: types.KindQuery, Message: "permission denied"},
			},
			wantLevel: "warn",
		},
		{
			name: "ok with warnings",
			result: types.ProbeResult{
				Step:     types.StepLagMonitor,
				Status:   types.StatusOK,
				Severity: types.SeveritySoft,
				Warnings: []string{"slot flink_slot is inactive"},
			},
			wantLevel: "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerTo(&buf, "test").LogStepResult(context.Background(), tt.result)

			assert.Contains(t, buf.String(), `"level":"`+tt.wantLevel+`"`)
			assert.Contains(t, buf.String(), tt.result.Step)
			if tt.result.Error != nil {
				assert.Contains(t, buf.String(), string(tt.result.Error.Kind))
			}
		})
	}
}

func TestLogger_LogCycleComplete(t *testing.T) {
	var buf bytes.Buffer
	start := time.Now()
	report := &types.CycleReport{
		ID:         "c-1",
		Pipeline:   "demographics",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Status:     types.StatusFailed,
		HaltedAt:   types.StepSourceHealth,
	}

	NewLoggerTo(&buf, "test").LogCycleComplete(context.Background(), report)

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"cycle_id":"c-1"`)
	assert.Contains(t, out, `"halted_at":"source_health"`)
}

func TestCycleMetrics_RecordCycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewCycleMetricsWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	start := time.Now()
	report := &types.CycleReport{
		Pipeline:   "demographics",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Status:     types.StatusOK,
		Results: []types.ProbeResult{
			{Step: types.StepSourceHealth, Status: types.StatusOK, Severity: types.SeverityHard,
				Detail: map[string]any{"row_count": int64(42)}},
			{Step: types.StepLagMonitor, Status: types.StatusOK, Severity: types.SeveritySoft,
				Detail: map[string]any{"active": true, "lag_bytes": int64(1024)}},
			{Step: types.StepRestartReconciler, Status: types.StatusFailed, Severity: types.SeveritySoft,
				Detail: map[string]any{"attempts": []types.RestartAttempt{
					{JobID: "a", Outcome: types.OutcomeInitiated},
					{JobID: "b", Outcome: types.OutcomeRestartFailed},
				}}},
		},
	}

	ctx := context.Background()
	m.RecordCycle(ctx, report)
	m.RecordSkippedTick(ctx, "demographics")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := collectInt64(rm)
	assert.Equal(t, int64(1), got["cdcwatch.cycles"])
	assert.Equal(t, int64(3), got["cdcwatch.step.results"])
	assert.Equal(t, int64(2), got["cdcwatch.job.restarts"])
	assert.Equal(t, int64(1), got["cdcwatch.ticks.skipped"])
	assert.Equal(t, int64(42), got["cdcwatch.source.rows"])
	assert.Equal(t, int64(1), got["cdcwatch.slot.active"])
	assert.Equal(t, int64(1024), got["cdcwatch.slot.lag"])
}

func newTestTracer() oteltrace.Tracer {
	return trace.NewTracerProvider().Tracer("test")
}

// collectInt64 sums every int64 data point per metric name
func collectInt64(rm metricdata.ResourceMetrics) map[string]int64 {
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}
