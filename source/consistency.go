package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/cdcwatch/types"
)

// Aggregate is one named column aggregate in the consistency query
type Aggregate struct {
	Name   string
	Func   string // min, max, avg or sum
	Column string
}

var aggregateFuncs = map[string]bool{"min": true, "max": true, "avg": true, "sum": true}

// DefaultAggregates mirror the checks the pipeline has always run on demographics
func DefaultAggregates() []Aggregate {
	return []Aggregate{
		{Name: "max_age", Func: "max", Column: "median_age"},
		{Name: "min_age", Func: "min", Column: "median_age"},
		{Name: "avg_population", Func: "avg", Column: "total_population"},
	}
}

// ConsistencyGate computes the row count and configured aggregates in one query
type ConsistencyGate struct {
	client     *Client
	table      string
	aggregates []Aggregate
	query      string
}

// NewConsistencyGate builds the aggregate query for table
func NewConsistencyGate(client *Client, table string, aggregates []Aggregate) (*ConsistencyGate, error) {
	quoted, err := QuoteTable(table)
	if err != nil {
		return nil, err
	}

	cols := []string{"COUNT(*)"}
	seen := make(map[string]bool, len(aggregates))
	for _, a := range aggregates {
		fn := strings.ToLower(a.Func)
		if !aggregateFuncs[fn] {
			return nil, fmt.Errorf("aggregate %q: unsupported func %q", a.Name, a.Func)
		}
		if a.Name == "" || a.Column == "" {
			return nil, fmt.Errorf("aggregate %q: name and column required", a.Name)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate aggregate %q", a.Name)
		}
		seen[a.Name] = true

		col := pgx.Identifier{a.Column}.Sanitize()
		cols = append(cols, fmt.Sprintf("%s(%s)::float8 AS %s", fn, col, pgx.Identifier{a.Name}.Sanitize()))
	}

	return &ConsistencyGate{
		client:     client,
		table:      table,
		aggregates: aggregates,
		query:      "SELECT " + strings.Join(cols, ", ") + " FROM " + quoted,
	}, nil
}

// Query returns the SQL the gate runs
func (g *ConsistencyGate) Query() string {
	return g.query
}

// Snapshot runs the aggregate query. Aggregates over an empty table are nil.
func (g *ConsistencyGate) Snapshot(ctx context.Context) (types.ConsistencySnapshot, error) {
	snap := types.ConsistencySnapshot{
		Table:      g.table,
		Aggregates: make(map[string]*float64, len(g.aggregates)),
	}

	values := make([]*float64, len(g.aggregates))
	dest := make([]any, 0, len(g.aggregates)+1)
	dest = append(dest, &snap.RowCount)
	for i := range values {
		dest = append(dest, &values[i])
	}

	err := g.client.do(ctx, "consistency gate", func(ctx context.Context, conn Conn) error {
		return conn.QueryRow(ctx, g.query).Scan(dest...)
	})
	if err != nil {
		return types.ConsistencySnapshot{Table: g.table}, err
	}

	for i, a := range g.aggregates {
		snap.Aggregates[a.Name] = values[i]
	}
	return snap, nil
}
