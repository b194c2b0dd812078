package dbc

import (
	"context"

	"go.uber.org/zap"
)

// fetchSize is the bounded-prefetch hint requested for bulk row-returning
// statements, limiting memory use on large result sets where the driver
// honors it.
const fetchSize = 1000

// Session owns at most one live database connection for the duration of a
// logical transaction. The connection is acquired lazily on the first
// statement and escalated in place when a later statement needs a stricter
// isolation level or write access; isolation and writability only ever
// increase within a Session's lifetime. Sessions are not safe for concurrent
// use; within one call chain execution is sequential, which is what makes
// the single shared connection sound.
type Session struct {
	broker Broker
	conn   Conn
}

// NewSession returns a Session drawing connections from broker. Most callers
// should not construct Sessions directly; Database.Transact manages their
// lifecycle and makes them visible to nested transaction calls.
func NewSession(broker Broker) *Session {
	return &Session{broker: broker}
}

func (s *Session) logger() *zap.Logger {
	return s.broker.Logger()
}

// Connection returns the Session's connection, acquiring one from the broker
// on first use. An already-owned connection is escalated in place:
//
//   - if its isolation level is below iso, the level is raised, temporarily
//     restoring auto-commit so the change takes effect (which commits any
//     in-flight work), then disabling auto-commit again unless the statement
//     is pure read-only below repeatable read;
//   - if it is read-only and a write is requested, it is switched writable.
//
// Escalation is one-directional: a later request for a weaker level or for
// read-only access leaves the connection as is. This avoids tearing down and
// reopening connections mid-transaction at the cost of sometimes running at
// a stricter level than any single statement needed.
func (s *Session) Connection(ctx context.Context, iso IsolationLevel, readOnly bool, maxConns int) (Conn, error) {
	if iso == LevelDefault {
		iso = ReadCommitted
	}
	c := s.conn
	if c == nil {
		c, err := s.broker.Acquire(ctx, iso, readOnly, maxConns)
		if err != nil {
			return nil, &ConnError{Err: err}
		}
		if !readOnly || iso >= RepeatableRead {
			if err := c.SetAutoCommit(ctx, false); err != nil {
				if relErr := s.broker.Release(ctx, c); relErr != nil {
					s.logger().Error("releasing connection after failed setup", zap.Error(relErr))
				}
				return nil, &ConnError{Err: err}
			}
		}
		s.conn = c
		return c, nil
	}
	switch {
	case c.IsolationLevel() < iso:
		if !c.AutoCommit() {
			if err := c.SetAutoCommit(ctx, true); err != nil {
				return nil, &ConnError{Err: err}
			}
		}
		if err := c.SetIsolationLevel(ctx, iso); err != nil {
			return nil, &ConnError{Err: err}
		}
		if !readOnly && c.ReadOnly() {
			if err := c.SetReadOnly(ctx, false); err != nil {
				return nil, &ConnError{Err: err}
			}
		}
		if !readOnly || iso >= RepeatableRead {
			if err := c.SetAutoCommit(ctx, false); err != nil {
				return nil, &ConnError{Err: err}
			}
		}
	case !readOnly && c.ReadOnly():
		if !c.AutoCommit() {
			if err := c.SetAutoCommit(ctx, true); err != nil {
				return nil, &ConnError{Err: err}
			}
		}
		if err := c.SetReadOnly(ctx, false); err != nil {
			return nil, &ConnError{Err: err}
		}
		if err := c.SetAutoCommit(ctx, false); err != nil {
			return nil, &ConnError{Err: err}
		}
	}
	return c, nil
}

// Update executes a writable statement at read-committed isolation and
// returns the number of rows affected.
func (s *Session) Update(ctx context.Context, sqlText string, args ...any) (int64, error) {
	conn, err := s.Connection(ctx, ReadCommitted, false, 1)
	if err != nil {
		return 0, err
	}
	bound, err := bindParams(args)
	if err != nil {
		return 0, err
	}
	res, err := conn.Exec(ctx, sqlText, bound...)
	if err != nil {
		return 0, &StatementError{SQL: sqlText, Err: err}
	}
	return res.RowsAffected(), nil
}

// QueryRows executes a row-returning statement and hands the whole cursor to
// fn. The cursor is closed when fn returns; fn must not retain it.
func (s *Session) QueryRows(ctx context.Context, opts StatementOpts, fn func(Rows) error, sqlText string, args ...any) error {
	rows, err := s.queryBulk(ctx, opts, sqlText, args)
	if err != nil {
		return err
	}
	defer rows.Close()
	if err := fn(rows); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return &StatementError{SQL: sqlText, Err: err}
	}
	return nil
}

// queryBulk acquires, binds and executes a bulk row-returning statement with
// the prefetch hint. Bulk cursors always run with auto-commit off so drivers
// that implement prefetch through server-side cursors can.
func (s *Session) queryBulk(ctx context.Context, opts StatementOpts, sqlText string, args []any) (Rows, error) {
	conn, err := s.Connection(ctx, opts.Isolation, opts.ReadOnly, 1)
	if err != nil {
		return nil, err
	}
	if conn.AutoCommit() {
		if err := conn.SetAutoCommit(ctx, false); err != nil {
			return nil, &ConnError{Err: err}
		}
	}
	bound, err := bindParams(args)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sqlText, fetchSize, bound...)
	if err != nil {
		return nil, &StatementError{SQL: sqlText, Err: err}
	}
	return rows, nil
}

// queryOne runs the single-row pipeline: acquire, bind, execute, extract
// under the cardinality contract. Zero rows yields the zero value, or
// NoRowError when opts.RowRequired; a second row is always ExtraRowError.
func queryOne[T any](ctx context.Context, s *Session, opts StatementOpts, factory ObjectFactory[T], sqlText string, args ...any) (T, error) {
	var zero T
	conn, err := s.Connection(ctx, opts.Isolation, opts.ReadOnly, 1)
	if err != nil {
		return zero, err
	}
	bound, err := bindParams(args)
	if err != nil {
		return zero, err
	}
	rows, err := conn.Query(ctx, sqlText, 0, bound...)
	if err != nil {
		return zero, &StatementError{SQL: sqlText, Err: err}
	}
	defer rows.Close()
	if rows.Next() {
		v, err := factory.CreateObject(rows)
		if err != nil {
			return zero, wrapFactoryErr(sqlText, err)
		}
		if rows.Next() {
			return zero, &ExtraRowError{SQL: sqlText, Row: describeRowValues(rows)}
		}
		if err := rows.Err(); err != nil {
			return zero, &StatementError{SQL: sqlText, Err: err}
		}
		return v, nil
	}
	if err := rows.Err(); err != nil {
		return zero, &StatementError{SQL: sqlText, Err: err}
	}
	if opts.RowRequired {
		return zero, &NoRowError{SQL: sqlText}
	}
	return zero, nil
}

// queryMany runs the bulk pipeline, invoking factory once per row.
func queryMany[T any](ctx context.Context, s *Session, opts StatementOpts, factory ObjectFactory[T], sqlText string, args ...any) ([]T, error) {
	rows, err := s.queryBulk(ctx, opts, sqlText, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := factory.CreateObject(rows)
		if err != nil {
			return nil, wrapFactoryErr(sqlText, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &StatementError{SQL: sqlText, Err: err}
	}
	return out, nil
}

// wrapFactoryErr keeps cardinality outcomes raw so callers can match them;
// everything else from an extractor counts against the statement.
func wrapFactoryErr(sqlText string, err error) error {
	if IsCardinality(err) {
		return err
	}
	return &StatementError{SQL: sqlText, Err: err}
}

// scalar decodes the optional pointer produced by a ScanFactory, mapping
// SQL NULL to the zero value as the scalar query methods promise.
func scalar[T any](v *T, err error) (T, error) {
	var zero T
	if err != nil || v == nil {
		return zero, err
	}
	return *v, nil
}

// QueryInt executes a single-column query returning an int32. SQL NULL
// decodes to 0; use Object with NotNull(Int32Factory) to reject nulls.
func (s *Session) QueryInt(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (int32, error) {
	return scalar(queryOne(ctx, s, opts, Int32Factory, sqlText, args...))
}

// QueryInt64 executes a single-column query returning an int64.
func (s *Session) QueryInt64(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (int64, error) {
	return scalar(queryOne(ctx, s, opts, Int64Factory, sqlText, args...))
}

// QueryInt16 executes a single-column query returning an int16.
func (s *Session) QueryInt16(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (int16, error) {
	return scalar(queryOne(ctx, s, opts, Int16Factory, sqlText, args...))
}

// QueryBool executes a single-column query returning a bool.
func (s *Session) QueryBool(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (bool, error) {
	return scalar(queryOne(ctx, s, opts, BoolFactory, sqlText, args...))
}

// QueryString executes a single-column query returning a string.
func (s *Session) QueryString(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (string, error) {
	return scalar(queryOne(ctx, s, opts, StringFactory, sqlText, args...))
}

// Commit commits the owned connection unless it is in auto-commit mode.
// A Session with no connection commits trivially.
func (s *Session) Commit(ctx context.Context) error {
	c := s.conn
	if c == nil || c.AutoCommit() {
		return nil
	}
	if err := c.Commit(ctx); err != nil {
		return &ConnError{Err: err}
	}
	return nil
}

// Rollback aborts the in-flight transaction, best effort. Faults during
// rollback are logged and reported as false rather than propagated, so that
// cleanup never masks the failure already in flight. Reports whether a
// rollback was issued.
func (s *Session) Rollback(ctx context.Context) bool {
	c := s.conn
	if c == nil || c.IsClosed() {
		return false
	}
	if !c.AutoCommit() {
		if err := c.Rollback(ctx); err != nil {
			s.logger().Error("transaction rollback failed", zap.Error(err))
			return false
		}
	}
	return true
}

// RollbackAndClose aborts the in-flight transaction and destroys the
// connection instead of returning it to the broker for reuse: after an
// unrecovered fault its state is suspect. Best effort, like Rollback.
func (s *Session) RollbackAndClose(ctx context.Context) bool {
	c := s.conn
	if c == nil || c.IsClosed() {
		return false
	}
	if !c.AutoCommit() {
		if err := c.Rollback(ctx); err != nil {
			s.logger().Error("transaction rollback failed", zap.Error(err))
			if closeErr := c.Close(ctx); closeErr != nil {
				s.logger().Error("closing connection after failed rollback", zap.Error(closeErr))
			}
			return false
		}
	}
	if err := c.Close(ctx); err != nil {
		s.logger().Error("closing connection after rollback", zap.Error(err))
		return false
	}
	return true
}

// Release returns the owned connection to the broker and clears ownership.
// Idempotent. An open transaction is rolled back first; a connection with
// uncommitted work is never handed back to the pool.
func (s *Session) Release(ctx context.Context) {
	c := s.conn
	if c == nil {
		return
	}
	s.conn = nil
	if !c.IsClosed() && !c.AutoCommit() {
		if err := c.Rollback(ctx); err != nil {
			s.logger().Error("rollback during release failed", zap.Error(err))
		}
	}
	if err := s.broker.Release(ctx, c); err != nil {
		s.logger().Error("releasing connection failed", zap.Error(err))
	}
}

// IsClosed reports whether the Session holds no usable connection.
func (s *Session) IsClosed() bool {
	return s.conn == nil || s.conn.IsClosed()
}

// Transact makes Session satisfy Transactor: a Session is already inside a
// transaction, so the unit of work simply runs against it. Failure handling
// stays with the enclosing coordinator frame.
func (s *Session) Transact(ctx context.Context, fn func(context.Context, *Session) error) error {
	return fn(ctx, s)
}
