package telemetry

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cdcwatch/types"
)

// LogConfig controls the output shared by every Logger
type LogConfig struct {
	Level  string
	JSON   bool
	Output io.Writer
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// ConfigureLogging sets the global level and the writer used by NewLogger
func ConfigureLogging(cfg LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	w := cfg.Output
	if w == nil {
		w = os.Stdout
	}
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a component logger with OTEL hooks
func NewLogger(component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	outputMu.RLock()
	w := output
	outputMu.RUnlock()

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// NewLoggerTo creates a logger writing to w, mostly useful in tests
func NewLoggerTo(w io.Writer, component string) *Logger {
	logger := zerolog.New(w).
		With().
		Str("component", component).
		Logger().
		Hook(OTELHook{})
	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// With returns a child logger carrying an extra string field
func (l *Logger) With(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With().Str(key, value).Logger()}
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
	} else {
		logger.Debug().
			Str("span_name", spanName).
			Msg("span completed")
	}
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for pipeline events

func (l *Logger) LogStepResult(ctx context.Context, res types.ProbeResult) {
	var event *zerolog.Event
	switch {
	case res.Status == types.StatusFailed && res.Severity == types.SeverityHard:
		event = l.WithContext(ctx).Error()
	case res.Degraded():
		event = l.WithContext(ctx).Warn()
	default:
		event = l.WithContext(ctx).Info()
	}

	event = event.
		Str("step", res.Step).
		Str("status", string(res.Status)).
		Str("severity", string(res.Severity)).
		Dur("duration", res.Duration)

	if res.Error != nil {
		event = event.Str("error_kind", string(res.Error.Kind)).Str("error", res.Error.Message)
	}
	if len(res.Warnings) > 0 {
		event = event.Strs("warnings", res.Warnings)
	}
	event.Msg("step finished")
}

func (l *Logger) LogCycleComplete(ctx context.Context, report *types.CycleReport) {
	event := l.WithContext(ctx).Info()
	if report.Status == types.StatusFailed {
		event = l.WithContext(ctx).Error()
	}

	event = event.
		Str("cycle_id", report.ID).
		Str("pipeline", report.Pipeline).
		Str("status", string(report.Status)).
		Int("steps", len(report.Results)).
		Int("warnings", len(report.Warnings())).
		Dur("duration", report.Duration())

	if report.HaltedAt != "" {
		event = event.Str("halted_at", report.HaltedAt)
	}
	event.Msg("reconciliation cycle complete")
}

func (l *Logger) LogRestart(ctx context.Context, attempt types.RestartAttempt) {
	event := l.WithContext(ctx).Info()
	if attempt.Outcome != types.OutcomeInitiated {
		event = l.WithContext(ctx).Warn()
	}
	event = event.Str("job_id", attempt.JobID).Str("outcome", string(attempt.Outcome))
	if attempt.Error != "" {
		event = event.Str("error", attempt.Error)
	}
	event.Msg("job restart")
}
