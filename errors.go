package dbc

import (
	"errors"
	"fmt"
)

// NoRowError reports that a single-row-required query returned zero rows.
// It signals an expected query outcome, not a transaction-invalidating
// fault: the coordinator propagates it without rolling back.
type NoRowError struct {
	SQL string
}

func (e *NoRowError) Error() string {
	if e.SQL == "" {
		return "dbc: no row in result set"
	}
	return fmt.Sprintf("dbc: no row in result set for %s", truncateSQL(e.SQL))
}

// ExtraRowError reports that a query promised at most one row but the cursor
// produced a second one. Row holds a diagnostic description of the extra row.
type ExtraRowError struct {
	SQL string
	Row string
}

func (e *ExtraRowError) Error() string {
	msg := "dbc: more than one row in result set"
	if e.Row != "" {
		msg += ": " + e.Row
	}
	if e.SQL != "" {
		msg += " for " + truncateSQL(e.SQL)
	}
	return msg
}

// NullDataError reports that a non-nullable object factory produced an
// absent value.
type NullDataError struct {
	Row string
}

func (e *NullDataError) Error() string {
	if e.Row == "" {
		return "dbc: null value from non-nullable factory"
	}
	return "dbc: null value from non-nullable factory: " + e.Row
}

// UnsupportedParameterTypeError reports a bind argument with no recognized
// kind and no text-reconstruction fallback. Positions are one-based.
type UnsupportedParameterTypeError struct {
	Position int
	Value    any
}

func (e *UnsupportedParameterTypeError) Error() string {
	return fmt.Sprintf("dbc: unsupported parameter type %T at position %d", e.Value, e.Position)
}

// StatementError wraps a driver-level fault with the statement that failed.
// The connection's state is considered untrustworthy afterwards; the
// coordinator rolls back and closes it rather than returning it to the pool.
type StatementError struct {
	SQL string
	Err error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("dbc: statement failed: %v [%s]", e.Err, truncateSQL(e.SQL))
}

func (e *StatementError) Unwrap() error { return e.Err }

// ConnError wraps a driver-level fault encountered while acquiring a
// connection or negotiating its isolation/read-only/auto-commit state.
// Handled like StatementError: the connection is not returned to the pool.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("dbc: connection fault: %v", e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsCardinality reports whether err is one of the expected-absence query
// outcomes: no-row, extra-row or null-data.
func IsCardinality(err error) bool {
	var noRow *NoRowError
	var extraRow *ExtraRowError
	var nullData *NullDataError
	return errors.As(err, &noRow) || errors.As(err, &extraRow) || errors.As(err, &nullData)
}

// failureAction is the coordinator's disposition for an error observed
// inside a transaction body.
type failureAction int

const (
	// keepTransaction propagates without touching the transaction. Used
	// for cardinality outcomes, which are ordinary results of normal
	// queries and must not force a connection teardown.
	keepTransaction failureAction = iota

	// rollbackKeep rolls the transaction back and lets the connection
	// return to the pool later.
	rollbackKeep

	// rollbackClose rolls back and destroys the connection: after a
	// driver-level fault its state may be indeterminate.
	rollbackClose
)

// classifyFailure applies the transaction failure decision rules, checked in
// order, first match wins. Process-fatal unwinding (panics) never reaches
// here; the coordinator lets those propagate with only the scoped release
// running.
func classifyFailure(err error) failureAction {
	if IsCardinality(err) {
		return keepTransaction
	}
	var stmtErr *StatementError
	var connErr *ConnError
	if errors.As(err, &stmtErr) || errors.As(err, &connErr) {
		return rollbackClose
	}
	// Anything else is a caller-level fault: the connection itself is
	// still sound, so roll back and keep it.
	return rollbackKeep
}

const maxSQLInError = 200

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLInError {
		return sql
	}
	return sql[:maxSQLInError] + "…"
}
