package dbc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestDatabase(t *testing.T) (*Database, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker(zaptest.NewLogger(t))
	return New(broker), broker
}

func TestTransactCommitOnSuccess(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)

	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		_, err := s.Update(ctx, "DELETE FROM t WHERE id=$1", 1)
		return err
	})
	require.NoError(t, err)

	require.Len(t, broker.conns, 1)
	fc := broker.conns[0]
	assert.Equal(t, 1, fc.commits)
	assert.Zero(t, fc.rollbacks)
	assert.Equal(t, 1, broker.releases)
}

func TestTransactNestedJoinsEnclosing(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)

	var outer, inner *Session
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		outer = s
		if _, err := s.Update(ctx, "INSERT INTO t (id) VALUES ($1)", 1); err != nil {
			return err
		}
		return db.Transact(ctx, func(ctx context.Context, s *Session) error {
			inner = s
			_, err := s.Update(ctx, "INSERT INTO t (id) VALUES ($1)", 2)
			return err
		})
	})
	require.NoError(t, err)

	assert.Same(t, outer, inner, "nested call must join the enclosing transaction")
	assert.Equal(t, 1, broker.acquires)
	assert.Equal(t, 1, broker.releases)
	assert.Equal(t, 1, broker.conns[0].commits, "only the outermost frame commits")
}

func TestTransactNestedFailureRollsBackOuter(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)
	boom := errors.New("business rule violated")

	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		if _, err := s.Update(ctx, "INSERT INTO t (id) VALUES ($1)", 1); err != nil {
			return err
		}
		return db.Transact(ctx, func(context.Context, *Session) error {
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	fc := broker.conns[0]
	assert.Zero(t, fc.commits)
	assert.Equal(t, 1, fc.rollbacks, "rollback applies once, at the nested frame")
	assert.False(t, fc.closed, "plain errors keep the connection poolable")
	assert.Equal(t, 1, broker.releases)
}

func TestTransactCardinalitySkipsRollback(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)

	_, err := db.QueryInt(ctx, QueryDefaults().RequireRow(), "SELECT n FROM t WHERE id=$1", 404)
	var noRow *NoRowError
	require.ErrorAs(t, err, &noRow)
	assert.Equal(t, "SELECT n FROM t WHERE id=$1", noRow.SQL)

	fc := broker.conns[0]
	assert.Zero(t, fc.rollbacks, "a missing row is an outcome, not a fault")
	assert.False(t, fc.closed)
	assert.Equal(t, 1, broker.releases, "connection still goes back to the pool")

	// The connection went back clean; a subsequent transaction succeeds on
	// the pooled path.
	err = db.Transact(ctx, func(ctx context.Context, s *Session) error {
		if _, err := s.Connection(ctx, ReadCommitted, true, 1); err != nil {
			return err
		}
		broker.conns[1].queryFn = func(string, []any) (*fakeRows, error) {
			return rowsOf([]any{int32(5)}), nil
		}
		v, err := s.QueryInt(ctx, QueryDefaults().RequireRow(), "SELECT n FROM t WHERE id=$1", 5)
		if err != nil {
			return err
		}
		assert.Equal(t, int32(5), v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, broker.releases)
}

func TestTransactPanicReleasesConnection(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)

	require.PanicsWithValue(t, "integrity check failed", func() {
		_ = db.Transact(ctx, func(ctx context.Context, s *Session) error {
			if _, err := s.Connection(ctx, ReadCommitted, false, 1); err != nil {
				return err
			}
			panic("integrity check failed")
		})
	})

	fc := broker.conns[0]
	assert.Zero(t, fc.commits, "an unwinding transaction must never commit")
	assert.Equal(t, 1, fc.rollbacks, "release rolls the open transaction back")
	assert.False(t, fc.closed)
	assert.Equal(t, 1, broker.releases, "the scoped release still runs while the panic unwinds")
}

func TestTransactStatementFaultDestroysConn(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)

	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		if _, err := s.Connection(ctx, ReadCommitted, false, 1); err != nil {
			return err
		}
		broker.conns[0].execFn = func(string, []any) (int64, error) {
			return 0, errors.New("deadlock detected")
		}
		_, err := s.Update(ctx, "UPDATE t SET n=n+1")
		return err
	})
	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)

	fc := broker.conns[0]
	assert.Equal(t, 1, fc.rollbacks)
	assert.True(t, fc.closed, "a statement fault leaves the connection suspect")
	assert.Equal(t, 1, broker.releases)

	// The next transaction starts fresh on a new connection.
	_, err = db.QueryInt(ctx, QueryDefaults(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 2, broker.acquires)
}

func TestTransactAcquireFailure(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)
	broker.acquireErr = errors.New("pool exhausted")

	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		_, err := s.Update(ctx, "DELETE FROM t")
		return err
	})
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Zero(t, broker.releases, "nothing was acquired, nothing to release")
}

func TestTransactCommitFailure(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)
	cause := errors.New("server closed the connection")

	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		if _, err := s.Connection(ctx, ReadCommitted, false, 1); err != nil {
			return err
		}
		broker.conns[0].commitErr = cause
		return nil
	})
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, cause)
	assert.True(t, broker.conns[0].closed, "a failed commit destroys the connection")
}

func TestInTransaction(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDatabase(t)

	assert.False(t, InTransaction(ctx))
	err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
		assert.True(t, InTransaction(ctx))
		got, ok := SessionFrom(ctx)
		require.True(t, ok)
		assert.Same(t, s, got)
		return nil
	})
	require.NoError(t, err)
}

func TestObjectAndCollection(t *testing.T) {
	ctx := context.Background()

	type account struct {
		ID   int64
		Name string
	}
	accountFactory := ObjectFactoryFunc[account](func(row Row) (account, error) {
		var a account
		err := row.Scan(&a.ID, &a.Name)
		return a, err
	})

	t.Run("object maps a struct row", func(t *testing.T) {
		db, broker := newTestDatabase(t)

		var got account
		err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
			if _, err := s.Connection(ctx, ReadCommitted, true, 1); err != nil {
				return err
			}
			broker.conns[0].queryFn = func(string, []any) (*fakeRows, error) {
				return rowsOf([]any{int64(7), "alice"}), nil
			}
			var err error
			got, err = Object(ctx, s, QueryDefaults().RequireRow(), accountFactory,
				"SELECT id, name FROM account WHERE id=$1", 7)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, account{ID: 7, Name: "alice"}, got)
	})

	t.Run("collection runs stand-alone in its own transaction", func(t *testing.T) {
		db, broker := newTestDatabase(t)

		// No enclosing Transact: Collection opens and closes its own.
		err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
			if _, err := s.Connection(ctx, ReadCommitted, true, 1); err != nil {
				return err
			}
			broker.conns[0].queryFn = func(string, []any) (*fakeRows, error) {
				return rowsOf([]any{int64(1), "a"}, []any{int64(2), "b"}), nil
			}
			got, err := Collection(ctx, s, QueryDefaults(), accountFactory,
				"SELECT id, name FROM account ORDER BY id")
			if err != nil {
				return err
			}
			require.Len(t, got, 2)
			assert.Equal(t, "b", got[1].Name)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, broker.acquires)
	})
}

func TestDatabaseQueryHelpers(t *testing.T) {
	ctx := context.Background()
	db, broker := newTestDatabase(t)

	prime := func(rows *fakeRows) {
		broker.conns[len(broker.conns)-1].queryFn = func(string, []any) (*fakeRows, error) {
			return rows, nil
		}
	}

	t.Run("QueryInt64", func(t *testing.T) {
		err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
			if _, err := s.Connection(ctx, ReadCommitted, true, 1); err != nil {
				return err
			}
			prime(rowsOf([]any{int64(1 << 40)}))
			v, err := s.QueryInt64(ctx, QueryDefaults(), "SELECT big FROM t")
			require.NoError(t, err)
			assert.Equal(t, int64(1<<40), v)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("QueryBool", func(t *testing.T) {
		err := db.Transact(ctx, func(ctx context.Context, s *Session) error {
			if _, err := s.Connection(ctx, ReadCommitted, true, 1); err != nil {
				return err
			}
			prime(rowsOf([]any{true}))
			v, err := s.QueryBool(ctx, QueryDefaults(), "SELECT active FROM t")
			require.NoError(t, err)
			assert.True(t, v)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("QueryString through Database wrapper", func(t *testing.T) {
		dbw, brokerw := newTestDatabase(t)
		err := dbw.Transact(ctx, func(ctx context.Context, s *Session) error {
			if _, err := s.Connection(ctx, ReadCommitted, true, 1); err != nil {
				return err
			}
			brokerw.conns[0].queryFn = func(string, []any) (*fakeRows, error) {
				return rowsOf([]any{"ok"}), nil
			}
			// The wrapper joins the Session already installed in ctx.
			v, err := dbw.QueryString(ctx, QueryDefaults(), "SELECT status FROM t")
			require.NoError(t, err)
			assert.Equal(t, "ok", v)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, brokerw.acquires)
	})
}
