package sqlbroker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/dependablelabs/dbc"
)

// Compile-time interface checks.
var (
	_ dbc.Conn   = (*conn)(nil)
	_ dbc.Rows   = (*rows)(nil)
	_ dbc.Result = (*result)(nil)
)

// conn adapts a dedicated *sql.Conn. Auto-commit off is an open *sql.Tx
// begun with the configured isolation/read-only options.
type conn struct {
	c        *sql.Conn
	tx       *sql.Tx
	iso      dbc.IsolationLevel
	readOnly bool
	closed   bool
	released bool
}

func isoLevel(iso dbc.IsolationLevel) sql.IsolationLevel {
	switch iso {
	case dbc.ReadUncommitted:
		return sql.LevelReadUncommitted
	case dbc.RepeatableRead:
		return sql.LevelRepeatableRead
	case dbc.Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// wrapArgs adapts bound values the database/sql driver stack cannot take
// directly: text arrays go through pq.Array.
func wrapArgs(args []any) []any {
	wrapped := args
	copied := false
	for i, a := range args {
		if ss, ok := a.([]string); ok {
			if !copied {
				wrapped = append([]any(nil), args...)
				copied = true
			}
			wrapped[i] = pq.Array(ss)
		}
	}
	return wrapped
}

func (c *conn) Query(ctx context.Context, sqlText string, fetchSize int32, args ...any) (dbc.Rows, error) {
	// database/sql exposes no fetch-size control; the hint is ignored.
	var (
		r   *sql.Rows
		err error
	)
	args = wrapArgs(args)
	if c.tx != nil {
		r, err = c.tx.QueryContext(ctx, sqlText, args...)
	} else {
		r, err = c.c.QueryContext(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, err
	}
	return &rows{r: r}, nil
}

func (c *conn) Exec(ctx context.Context, sqlText string, args ...any) (dbc.Result, error) {
	var (
		res sql.Result
		err error
	)
	args = wrapArgs(args)
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, sqlText, args...)
	} else {
		res, err = c.c.ExecContext(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, err
	}
	return &result{res: res}, nil
}

func (c *conn) AutoCommit() bool { return c.tx == nil }

func (c *conn) SetAutoCommit(ctx context.Context, on bool) error {
	if on {
		return c.Commit(ctx)
	}
	if c.tx != nil {
		return nil
	}
	tx, err := c.c.BeginTx(ctx, &sql.TxOptions{
		Isolation: isoLevel(c.iso),
		ReadOnly:  c.readOnly,
	})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *conn) IsolationLevel() dbc.IsolationLevel { return c.iso }

func (c *conn) SetIsolationLevel(ctx context.Context, iso dbc.IsolationLevel) error {
	if c.tx != nil {
		return errors.New("sqlbroker: cannot change isolation level inside a transaction")
	}
	c.iso = iso
	return nil
}

func (c *conn) ReadOnly() bool { return c.readOnly }

func (c *conn) SetReadOnly(ctx context.Context, readOnly bool) error {
	if c.tx != nil {
		return errors.New("sqlbroker: cannot change access mode inside a transaction")
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
	return tx.Commit()
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Close poisons the underlying driver connection so the pool discards it
// instead of reusing suspect state, then returns the handle.
func (c *conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	if c.tx != nil {
		_ = c.Rollback(ctx)
	}
	c.closed = true
	_ = c.c.Raw(func(any) error { return driver.ErrBadConn })
	c.released = true
	if err := c.c.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func (c *conn) IsClosed() bool { return c.closed }

func (c *conn) release() error {
	if c.released {
		return nil
	}
	c.released = true
	if err := c.c.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

type rows struct {
	r *sql.Rows
}

func (r *rows) Next() bool             { return r.r.Next() }
func (r *rows) Scan(dest ...any) error { return r.r.Scan(dest...) }

// Values reads the current row as raw values. database/sql allows a single
// read per row, so Values and Scan are mutually exclusive for one row.
func (r *rows) Values() ([]any, error) {
	cols, err := r.r.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.r.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *rows) Close()     { _ = r.r.Close() }
func (r *rows) Err() error { return r.r.Err() }

type result struct {
	res sql.Result
}

func (r *result) RowsAffected() int64 {
	n, err := r.res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func (r *result) String() string {
	return fmt.Sprintf("rows affected: %d", r.RowsAffected())
}
