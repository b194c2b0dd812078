// Package dbc is a transactional database-access layer sitting above a
// pluggable connection broker. It composes statements into transactions with
// correct commit/rollback/close semantics even when transactions nest across
// unrelated call sites, and it converts result rows into typed values with
// explicit cardinality expectations (exactly one row, zero-or-one, many).
//
// The package is driver-agnostic: physical connections come from a Broker
// (see the pgxbroker and sqlbroker packages for implementations) and are
// consumed through the narrow Conn, Rows and Result interfaces below.
package dbc

import (
	"context"

	"go.uber.org/zap"
)

// IsolationLevel is a transaction isolation level, ordered from weakest to
// strictest. The zero value means "use the transaction default"
// (read committed).
type IsolationLevel int

const (
	LevelDefault IsolationLevel = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read uncommitted"
	case ReadCommitted, LevelDefault:
		return "read committed"
	case RepeatableRead:
		return "repeatable read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// StatementOpts carries the per-statement connection and cardinality
// requirements. The zero value requests the transaction defaults:
// read-committed isolation, writable, row not required.
type StatementOpts struct {
	Isolation   IsolationLevel
	ReadOnly    bool
	RowRequired bool
}

// QueryDefaults returns the default options for queries: read-committed
// isolation, read-only, row not required.
func QueryDefaults() StatementOpts {
	return StatementOpts{Isolation: ReadCommitted, ReadOnly: true}
}

// RequireRow returns a copy of o with RowRequired set.
func (o StatementOpts) RequireRow() StatementOpts {
	o.RowRequired = true
	return o
}

// Broker supplies physical connections configured to a requested isolation
// level and read-only mode, and reclaims them. Implementations must return
// connections in auto-commit mode at the requested settings, and must be
// safe for concurrent use across call chains.
type Broker interface {
	// Acquire obtains a connection at the given isolation level and
	// read-only mode. maxConns is a hint for how many connections the
	// calling transaction may hold against brokers that enforce
	// per-caller limits; the engine always passes 1.
	Acquire(ctx context.Context, iso IsolationLevel, readOnly bool, maxConns int) (Conn, error)

	// Release returns a connection to the broker. Connections that report
	// IsClosed are discarded rather than pooled.
	Release(ctx context.Context, conn Conn) error

	// Logger returns the broker's logger, used by the engine to report
	// swallowed cleanup faults.
	Logger() *zap.Logger
}

// Conn is a single physical connection. Auto-commit off means a transaction
// is open at the connection's current isolation/read-only settings; the
// isolation and read-only setters are only legal while in auto-commit mode.
// SetAutoCommit(true) commits any open transaction, matching the usual
// driver semantics of leaving explicit-transaction mode.
type Conn interface {
	// Query executes a row-returning statement. fetchSize is a bounded
	// prefetch hint for large result sets; implementations that stream
	// rows natively may ignore it.
	Query(ctx context.Context, sql string, fetchSize int32, args ...any) (Rows, error)

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) (Result, error)

	AutoCommit() bool
	SetAutoCommit(ctx context.Context, on bool) error

	IsolationLevel() IsolationLevel
	SetIsolationLevel(ctx context.Context, iso IsolationLevel) error

	ReadOnly() bool
	SetReadOnly(ctx context.Context, readOnly bool) error

	// Commit commits the open transaction, if any.
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction, if any.
	Rollback(ctx context.Context) error

	// Close destroys the physical connection. A closed connection must
	// never be handed out again by its broker.
	Close(ctx context.Context) error

	IsClosed() bool
}

// Rows abstracts forward-only iteration over a result cursor.
type Rows interface {
	// Next prepares the next row for reading.
	Next() bool

	// Scan reads the current row into dest values.
	Scan(dest ...any) error

	// Values returns the current row's values.
	Values() ([]any, error)

	// Close closes the cursor.
	Close()

	// Err returns any error that occurred during iteration.
	Err() error
}

// Row is a single readable result row, as seen by an ObjectFactory.
type Row interface {
	Scan(dest ...any) error
	Values() ([]any, error)
}

// Result abstracts the outcome of a row-less statement execution.
type Result interface {
	// RowsAffected returns the number of rows affected.
	RowsAffected() int64

	// String returns the driver's description of the completed command.
	String() string
}
