package dbc

import (
	"context"

	"go.uber.org/zap"
)

// Database wraps a Broker and coordinates transactions. Used directly, each
// query or update runs in its own transaction; calls made inside a
// Transact body reuse the Session installed for that call chain, so nested
// transactions automatically join the enclosing one.
type Database struct {
	broker Broker
}

// New returns a Database drawing connections from broker.
func New(broker Broker) *Database {
	return &Database{broker: broker}
}

// Broker returns the underlying connection broker.
func (db *Database) Broker() Broker { return db.broker }

// Logger returns the broker's logger.
func (db *Database) Logger() *zap.Logger { return db.broker.Logger() }

// Transactor is the transaction entry point shared by Database and Session.
// Generic extraction helpers like Object take a Transactor so they work both
// stand-alone (each call one transaction) and inside an open transaction.
type Transactor interface {
	Transact(ctx context.Context, fn func(context.Context, *Session) error) error
}

type sessionKey struct{}

// SessionFrom returns the Session installed by the innermost enclosing
// Transact call, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// InTransaction reports whether ctx carries an active transaction Session.
func InTransaction(ctx context.Context) bool {
	_, ok := SessionFrom(ctx)
	return ok
}

// Transact executes fn as a unit of work in a transaction, with automatic
// commit, rollback and connection management.
//
// If ctx already carries a Session from an enclosing Transact call, fn joins
// that transaction: no new connection, no commit, and the context is left
// installed. A failure in the nested frame is still applied to the shared
// Session, so a nested fault rolls back the entire outer transaction before
// the error propagates.
//
// In the outermost frame, failures are dispatched in order, first match
// wins:
//
//   - panics propagate immediately; only the scoped connection release runs;
//   - cardinality outcomes (NoRowError, ExtraRowError, NullDataError)
//     propagate with no rollback, they are expected results of normal
//     queries and do not invalidate the connection;
//   - statement- or connection-level faults roll back and destroy the
//     connection, whose state is no longer trustworthy;
//   - any other error rolls back and lets the connection return to the pool.
//
// On success the outermost frame commits. The connection is released back to
// the broker on every exit path.
func (db *Database) Transact(ctx context.Context, fn func(context.Context, *Session) error) error {
	if s, ok := SessionFrom(ctx); ok {
		if err := fn(ctx, s); err != nil {
			applyFailure(ctx, s, err)
			return err
		}
		return nil
	}

	s := NewSession(db.broker)
	// The release must run even when ctx was canceled mid-statement.
	defer s.Release(context.WithoutCancel(ctx))

	txCtx := context.WithValue(ctx, sessionKey{}, s)
	if err := fn(txCtx, s); err != nil {
		applyFailure(ctx, s, err)
		return err
	}
	if err := s.Commit(ctx); err != nil {
		applyFailure(ctx, s, err)
		return err
	}
	return nil
}

func applyFailure(ctx context.Context, s *Session, err error) {
	switch classifyFailure(err) {
	case keepTransaction:
		// Cardinality outcome: the transaction stays clean and usable.
	case rollbackKeep:
		s.Rollback(ctx)
	case rollbackClose:
		s.RollbackAndClose(ctx)
	}
}

// Object executes a single-row query in a transaction and extracts its
// result with factory. Cardinality follows opts: zero rows yields the zero
// value, or NoRowError when opts.RowRequired; more than one row is always
// ExtraRowError.
func Object[T any](ctx context.Context, tr Transactor, opts StatementOpts, factory ObjectFactory[T], sqlText string, args ...any) (T, error) {
	var out T
	err := tr.Transact(ctx, func(ctx context.Context, s *Session) error {
		v, err := queryOne(ctx, s, opts, factory, sqlText, args...)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Collection executes a bulk query in a transaction, invoking factory once
// per row, with the bounded-prefetch hint applied.
func Collection[T any](ctx context.Context, tr Transactor, opts StatementOpts, factory ObjectFactory[T], sqlText string, args ...any) ([]T, error) {
	var out []T
	err := tr.Transact(ctx, func(ctx context.Context, s *Session) error {
		v, err := queryMany(ctx, s, opts, factory, sqlText, args...)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Update runs a writable statement in its own transaction (or joins the
// Session already installed in ctx) and returns the rows affected.
func (db *Database) Update(ctx context.Context, sqlText string, args ...any) (int64, error) {
	var n int64
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		var err error
		n, err = s.Update(ctx, sqlText, args...)
		return err
	})
	return n, err
}

// QueryRows runs a whole-cursor query in a transaction; see
// Session.QueryRows.
func (db *Database) QueryRows(ctx context.Context, opts StatementOpts, fn func(Rows) error, sqlText string, args ...any) error {
	return db.Transact(ctx, func(ctx context.Context, s *Session) error {
		return s.QueryRows(ctx, opts, fn, sqlText, args...)
	})
}

// QueryInt runs a single-column int32 query in a transaction; see
// Session.QueryInt.
func (db *Database) QueryInt(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (int32, error) {
	var v int32
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		var err error
		v, err = s.QueryInt(ctx, opts, sqlText, args...)
		return err
	})
	return v, err
}

// QueryInt64 runs a single-column int64 query in a transaction.
func (db *Database) QueryInt64(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (int64, error) {
	var v int64
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		var err error
		v, err = s.QueryInt64(ctx, opts, sqlText, args...)
		return err
	})
	return v, err
}

// QueryInt16 runs a single-column int16 query in a transaction.
func (db *Database) QueryInt16(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (int16, error) {
	var v int16
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		var err error
		v, err = s.QueryInt16(ctx, opts, sqlText, args...)
		return err
	})
	return v, err
}

// QueryBool runs a single-column bool query in a transaction.
func (db *Database) QueryBool(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (bool, error) {
	var v bool
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		var err error
		v, err = s.QueryBool(ctx, opts, sqlText, args...)
		return err
	})
	return v, err
}

// QueryString runs a single-column string query in a transaction.
func (db *Database) QueryString(ctx context.Context, opts StatementOpts, sqlText string, args ...any) (string, error) {
	var v string
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		var err error
		v, err = s.QueryString(ctx, opts, sqlText, args...)
		return err
	})
	return v, err
}
