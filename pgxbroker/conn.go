package pgxbroker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dependablelabs/dbc"
)

// Compile-time interface checks.
var (
	_ dbc.Conn   = (*conn)(nil)
	_ dbc.Rows   = (*rows)(nil)
	_ dbc.Result = (*result)(nil)
)

// conn adapts a pooled pgx connection to dbc.Conn. Auto-commit off is an
// open pgx.Tx begun at the configured isolation/access mode; the desired
// settings live here and are applied at BeginTx, so changing them is only
// legal while no transaction is open.
type conn struct {
	pooled   *pgxpool.Conn
	tx       pgx.Tx
	iso      dbc.IsolationLevel
	readOnly bool
	closed   bool
}

func txOptions(iso dbc.IsolationLevel, readOnly bool) pgx.TxOptions {
	opts := pgx.TxOptions{IsoLevel: isoLevel(iso)}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	} else {
		opts.AccessMode = pgx.ReadWrite
	}
	return opts
}

func isoLevel(iso dbc.IsolationLevel) pgx.TxIsoLevel {
	switch iso {
	case dbc.ReadUncommitted:
		return pgx.ReadUncommitted
	case dbc.RepeatableRead:
		return pgx.RepeatableRead
	case dbc.Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

func (c *conn) Query(ctx context.Context, sql string, fetchSize int32, args ...any) (dbc.Rows, error) {
	// The prefetch hint is satisfied trivially: pgx streams rows from the
	// wire instead of materializing the result set.
	var (
		r   pgx.Rows
		err error
	)
	if c.tx != nil {
		r, err = c.tx.Query(ctx, sql, args...)
	} else {
		r, err = c.pooled.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, err
	}
	return &rows{r: r}, nil
}

func (c *conn) Exec(ctx context.Context, sql string, args ...any) (dbc.Result, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if c.tx != nil {
		tag, err = c.tx.Exec(ctx, sql, args...)
	} else {
		tag, err = c.pooled.Exec(ctx, sql, args...)
	}
	if err != nil {
		return nil, err
	}
	return &result{tag: tag}, nil
}

func (c *conn) AutoCommit() bool { return c.tx == nil }

func (c *conn) SetAutoCommit(ctx context.Context, on bool) error {
	if on {
		return c.Commit(ctx)
	}
	if c.tx != nil {
		return nil
	}
	tx, err := c.pooled.BeginTx(ctx, txOptions(c.iso, c.readOnly))
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *conn) IsolationLevel() dbc.IsolationLevel { return c.iso }

func (c *conn) SetIsolationLevel(ctx context.Context, iso dbc.IsolationLevel) error {
	if c.tx != nil {
		return errors.New("pgxbroker: cannot change isolation level inside a transaction")
	}
	c.iso = iso
	return nil
}

func (c *conn) ReadOnly() bool { return c.readOnly }

func (c *conn) SetReadOnly(ctx context.Context, readOnly bool) error {
	if c.tx != nil {
		return errors.New("pgxbroker: cannot change access mode inside a transaction")
	}
	c.readOnly = readOnly
	return nil
}

func (c *conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit(ctx)
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// Close destroys the physical connection. The pooled handle is hijacked
// first so the pool never hands the connection out again.
func (c *conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	if c.tx != nil {
		_ = c.tx.Rollback(ctx)
		c.tx = nil
	}
	raw := c.pooled.Hijack()
	c.closed = true
	return raw.Close(ctx)
}

func (c *conn) IsClosed() bool {
	if c.closed {
		return true
	}
	return c.pooled.Conn().IsClosed()
}

type rows struct {
	r pgx.Rows
}

func (r *rows) Next() bool             { return r.r.Next() }
func (r *rows) Scan(dest ...any) error { return r.r.Scan(dest...) }
func (r *rows) Values() ([]any, error) { return r.r.Values() }
func (r *rows) Close()                 { r.r.Close() }
func (r *rows) Err() error             { return r.r.Err() }

type result struct {
	tag pgconn.CommandTag
}

func (r *result) RowsAffected() int64 { return r.tag.RowsAffected() }
func (r *result) String() string      { return r.tag.String() }
