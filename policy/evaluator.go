// Package policy evaluates Rego consistency assertions against the
// aggregate snapshot produced by the consistency gate
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cdcwatch/telemetry"
	"github.com/yairfalse/cdcwatch/types"
)

// ViolationsQuery is the rule a consistency policy must define, as a set of strings
const ViolationsQuery = "data.cdcwatch.consistency.violations"

// Input is the document exposed to policies as `input`
type Input struct {
	Pipeline   string              `json:"pipeline"`
	Table      string              `json:"table"`
	RowCount   int64               `json:"row_count"`
	Aggregates map[string]*float64 `json:"aggregates"`
	// SourceRows is the count seen by the source health step in the same cycle
	SourceRows *int64    `json:"source_rows,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewInput builds policy input from a snapshot
func NewInput(pipeline string, snap types.ConsistencySnapshot, sourceRows *int64, now time.Time) Input {
	return Input{
		Pipeline:   pipeline,
		Table:      snap.Table,
		RowCount:   snap.RowCount,
		Aggregates: snap.Aggregates,
		SourceRows: sourceRows,
		Timestamp:  now,
	}
}

// Evaluator runs one compiled consistency policy
type Evaluator struct {
	name   string
	query  rego.PreparedEvalQuery
	logger *telemetry.Logger
	tracer trace.Tracer
}

// New compiles a Rego module
func New(ctx context.Context, name, module string) (*Evaluator, error) {
	prepared, err := rego.New(
		rego.Query(ViolationsQuery),
		rego.Module(name+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	return &Evaluator{
		name:   name,
		query:  prepared,
		logger: telemetry.NewLogger("policy"),
		tracer: otel.Tracer("policy"),
	}, nil
}

// LoadFile compiles the policy at path
func LoadFile(ctx context.Context, path string) (*Evaluator, error) {
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".rego" {
		return nil, fmt.Errorf("policy file %s: expected .rego extension", path)
	}

	content, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	return New(ctx, strings.TrimSuffix(filepath.Base(clean), ".rego"), string(content))
}

// Name returns the policy name
func (e *Evaluator) Name() string {
	return e.name
}

// Violations evaluates the policy and returns its violation messages,
// sorted. An undefined rule means no violations.
func (e *Evaluator) Violations(ctx context.Context, input Input) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("policy.name", e.name),
			attribute.String("cdc.table", input.Table),
		))
	defer span.End()

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, types.NewError(types.KindAssertionFailed, "evaluate policy "+e.name, err)
	}

	var violations []string
	for _, res := range results {
		for _, expr := range res.Expressions {
			violations = append(violations, toStrings(expr.Value)...)
		}
	}
	sort.Strings(violations)

	e.logger.WithContext(ctx).Debug().
		Str("policy_name", e.name).
		Int("violations", len(violations)).
		Msg("policy evaluated")

	return violations, nil
}

// Check returns an AssertionFailed error listing every violation
func (e *Evaluator) Check(ctx context.Context, input Input) ([]string, error) {
	violations, err := e.Violations(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return violations, types.Errorf(types.KindAssertionFailed, "consistency policy "+e.name,
			"%s", strings.Join(violations, "; "))
	}
	return nil, nil
}

// toStrings flattens a rule value. Sets and arrays arrive as []any.
func toStrings(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
