package source

import (
	"context"
)

// HealthProbe checks the source table is reachable and reports its size
type HealthProbe struct {
	client *Client
	table  string
	query  string
}

// NewHealthProbe creates a probe counting rows in table
func NewHealthProbe(client *Client, table string) (*HealthProbe, error) {
	quoted, err := QuoteTable(table)
	if err != nil {
		return nil, err
	}
	return &HealthProbe{
		client: client,
		table:  table,
		query:  "SELECT COUNT(*) FROM " + quoted,
	}, nil
}

// Table returns the probed table name
func (p *HealthProbe) Table() string {
	return p.table
}

// Check returns the row count. A zero count is a valid result.
func (p *HealthProbe) Check(ctx context.Context) (int64, error) {
	var count int64
	err := p.client.do(ctx, "source health", func(ctx context.Context, conn Conn) error {
		return conn.QueryRow(ctx, p.query).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
