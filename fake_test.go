package dbc

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// fakeBroker hands out fakeConns and records lifecycle traffic.
type fakeBroker struct {
	logger     *zap.Logger
	acquires   int
	releases   int
	acquireErr error
	conns      []*fakeConn
}

func newFakeBroker(logger *zap.Logger) *fakeBroker {
	return &fakeBroker{logger: logger}
}

func (b *fakeBroker) Acquire(ctx context.Context, iso IsolationLevel, readOnly bool, maxConns int) (Conn, error) {
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	b.acquires++
	c := &fakeConn{iso: iso, readOnly: readOnly, autoCommit: true}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) Release(ctx context.Context, conn Conn) error {
	b.releases++
	return nil
}

func (b *fakeBroker) Logger() *zap.Logger { return b.logger }

// fakeConn records isolation/auto-commit/read-only transitions and serves
// queued statement results.
type fakeConn struct {
	iso        IsolationLevel
	readOnly   bool
	autoCommit bool
	closed     bool

	events    []string
	commits   int
	rollbacks int

	commitErr   error
	rollbackErr error

	queryFn func(sql string, args []any) (*fakeRows, error)
	execFn  func(sql string, args []any) (int64, error)

	lastSQL   string
	lastArgs  []any
	lastFetch int32
}

func (c *fakeConn) event(format string, args ...any) {
	c.events = append(c.events, fmt.Sprintf(format, args...))
}

func (c *fakeConn) Query(ctx context.Context, sql string, fetchSize int32, args ...any) (Rows, error) {
	c.lastSQL, c.lastArgs, c.lastFetch = sql, args, fetchSize
	if c.queryFn == nil {
		return &fakeRows{}, nil
	}
	rows, err := c.queryFn(sql, args)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	c.lastSQL, c.lastArgs = sql, args
	if c.execFn == nil {
		return fakeResult(0), nil
	}
	n, err := c.execFn(sql, args)
	if err != nil {
		return nil, err
	}
	return fakeResult(n), nil
}

func (c *fakeConn) AutoCommit() bool { return c.autoCommit }

func (c *fakeConn) SetAutoCommit(ctx context.Context, on bool) error {
	if on && !c.autoCommit {
		// Leaving explicit-transaction mode commits, as drivers do.
		c.commits++
	}
	c.autoCommit = on
	c.event("autocommit=%v", on)
	return nil
}

func (c *fakeConn) IsolationLevel() IsolationLevel { return c.iso }

func (c *fakeConn) SetIsolationLevel(ctx context.Context, iso IsolationLevel) error {
	if !c.autoCommit {
		return errors.New("isolation change inside transaction")
	}
	c.iso = iso
	c.event("iso=%v", iso)
	return nil
}

func (c *fakeConn) ReadOnly() bool { return c.readOnly }

func (c *fakeConn) SetReadOnly(ctx context.Context, readOnly bool) error {
	if !c.autoCommit {
		return errors.New("access mode change inside transaction")
	}
	c.readOnly = readOnly
	c.event("readonly=%v", readOnly)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	c.autoCommit = true
	c.event("commit")
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	if c.rollbackErr != nil {
		return c.rollbackErr
	}
	c.rollbacks++
	c.autoCommit = true
	c.event("rollback")
	return nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed = true
	c.event("close")
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }

// fakeRows serves canned row data, scanning values into targets the way a
// driver would, including optional-pointer targets for SQL NULL.
type fakeRows struct {
	rows    [][]any
	pos     int
	iterErr error
	closed  bool
}

func rowsOf(rows ...[]any) *fakeRows {
	return &fakeRows{rows: rows}
}

func (r *fakeRows) Next() bool {
	if r.iterErr != nil || r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) > len(row) {
		return fmt.Errorf("scan of %d targets from %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

func (r *fakeRows) Close()     { r.closed = true }
func (r *fakeRows) Err() error { return r.iterErr }

func assign(dst, v any) error {
	rd := reflect.ValueOf(dst)
	if rd.Kind() != reflect.Pointer || rd.IsNil() {
		return errors.New("scan target must be a non-nil pointer")
	}
	elem := rd.Elem()
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(elem.Type()):
		elem.Set(rv)
	case elem.Kind() == reflect.Pointer && rv.Type().AssignableTo(elem.Type().Elem()):
		p := reflect.New(elem.Type().Elem())
		p.Elem().Set(rv)
		elem.Set(p)
	case rv.Type().ConvertibleTo(elem.Type()):
		elem.Set(rv.Convert(elem.Type()))
	default:
		return fmt.Errorf("cannot scan %T into %T", v, dst)
	}
	return nil
}

type fakeResult int64

func (r fakeResult) RowsAffected() int64 { return int64(r) }
func (r fakeResult) String() string      { return fmt.Sprintf("rows affected: %d", int64(r)) }
