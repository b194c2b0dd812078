// Package sqlbroker implements dbc.Broker on top of a database/sql pool,
// for callers whose connection management lives behind an *sql.DB rather
// than a pgx pool.
package sqlbroker

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/dependablelabs/dbc"
)

// Broker hands out dedicated *sql.Conn connections from db.
type Broker struct {
	db     *sql.DB
	logger *zap.Logger
}

// New wraps an already-configured *sql.DB. The pool limits set on db bound
// concurrency; Acquire blocks while the pool is exhausted.
func New(db *sql.DB, logger *zap.Logger) *Broker {
	return &Broker{db: db, logger: logger}
}

// Acquire takes a dedicated connection out of the pool. The connection is in
// auto-commit mode; the requested isolation and access mode take effect when
// the engine opens a transaction on it.
func (b *Broker) Acquire(ctx context.Context, iso dbc.IsolationLevel, readOnly bool, maxConns int) (dbc.Conn, error) {
	sc, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &conn{c: sc, iso: iso, readOnly: readOnly}, nil
}

// Release returns the connection to the pool. Hard-closed connections were
// poisoned and the pool discards them on close.
func (b *Broker) Release(ctx context.Context, c dbc.Conn) error {
	sc, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("release of foreign connection %T", c)
	}
	return sc.release()
}

// Logger returns the broker's logger.
func (b *Broker) Logger() *zap.Logger { return b.logger }
