// Package source probes the PostgreSQL side of the CDC pipeline: table
// health, replication slot state and the consistency aggregate.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/cdcwatch/types"
)

const closeTimeout = 5 * time.Second

// Conn is the subset of a PostgreSQL connection the probes use.
// *pgx.Conn satisfies it.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Dialer opens a fresh connection per probe
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// PgxDialer dials PostgreSQL with pgx
type PgxDialer struct {
	connString     string
	connectTimeout time.Duration
}

// NewPgxDialer creates a dialer for a keyword/value or URL connection string
func NewPgxDialer(connString string, connectTimeout time.Duration) *PgxDialer {
	return &PgxDialer{connString: connString, connectTimeout: connectTimeout}
}

// Dial implements Dialer
func (d *PgxDialer) Dial(ctx context.Context) (Conn, error) {
	cfg, err := pgx.ParseConfig(d.connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if d.connectTimeout > 0 {
		cfg.ConnectTimeout = d.connectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client runs single-row queries, each on its own connection and bounded
// by the call timeout
type Client struct {
	dialer  Dialer
	timeout time.Duration
}

// NewClient creates a client. A zero timeout leaves calls bounded only by ctx.
func NewClient(dialer Dialer, timeout time.Duration) *Client {
	return &Client{dialer: dialer, timeout: timeout}
}

// do dials, runs fn and closes the connection on every path
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context, conn Conn) error) error {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.Dial(callCtx)
	if err != nil {
		return classify(ctx, types.KindConnection, op, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if err := fn(callCtx, conn); err != nil {
		return classify(ctx, types.KindQuery, op, err)
	}
	return nil
}

// classify keeps caller cancellation distinct from a timed-out call
func classify(parent context.Context, kind types.ErrorKind, op string, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		kind = types.KindCanceled
	}
	return types.NewError(kind, op, err)
}

// QuoteTable sanitizes a schema-qualified table name
func QuoteTable(table string) (string, error) {
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}
