// Package pgxbroker implements dbc.Broker on top of a pgx connection pool.
package pgxbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dependablelabs/dbc"
)

// Config holds pool settings. Zero fields fall back to conservative
// defaults.
type Config struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Broker hands out dedicated pooled connections and reclaims them. Safe for
// concurrent use across call chains; the pool serializes physical
// connection management.
type Broker struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	metrics *Metrics
	stop    chan struct{}
	stopped sync.Once
}

// Metrics tracks broker activity. Snapshot for a consistent read.
type Metrics struct {
	mu sync.RWMutex

	ConnsAcquired   int64
	ConnsReleased   int64
	ConnsDestroyed  int64
	AcquireFailures int64
}

// MetricsSnapshot is a point-in-time copy of the broker counters.
type MetricsSnapshot struct {
	ConnsAcquired   int64
	ConnsReleased   int64
	ConnsDestroyed  int64
	AcquireFailures int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		ConnsAcquired:   m.ConnsAcquired,
		ConnsReleased:   m.ConnsReleased,
		ConnsDestroyed:  m.ConnsDestroyed,
		AcquireFailures: m.AcquireFailures,
	}
}

func (m *Metrics) add(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// New builds a Broker, verifying connectivity with a ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	} else {
		pc.MaxConns = 25
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	} else {
		pc.MaxConnLifetime = 30 * time.Minute
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	} else {
		pc.MaxConnIdleTime = 10 * time.Minute
	}

	// Session defaults the engine relies on: connections come out of the
	// pool in auto-commit mode at read-committed.
	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["default_transaction_isolation"] = "read committed"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	b := &Broker{
		pool:    pool,
		logger:  logger,
		metrics: &Metrics{},
		stop:    make(chan struct{}),
	}
	if cfg.HealthCheckPeriod > 0 {
		go b.healthCheckRoutine(cfg.HealthCheckPeriod)
	}
	logger.Info("database broker initialized",
		zap.Int32("max_conns", pc.MaxConns))
	return b, nil
}

// Acquire checks a dedicated connection out of the pool, configured for the
// requested isolation level and access mode. Blocks while the pool is
// exhausted; maxConns is advisory only, the pool bounds concurrency itself.
func (b *Broker) Acquire(ctx context.Context, iso dbc.IsolationLevel, readOnly bool, maxConns int) (dbc.Conn, error) {
	pc, err := b.pool.Acquire(ctx)
	if err != nil {
		b.metrics.add(&b.metrics.AcquireFailures)
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	b.metrics.add(&b.metrics.ConnsAcquired)
	return &conn{pooled: pc, iso: iso, readOnly: readOnly}, nil
}

// Release returns a connection to the pool. Hard-closed connections were
// already destroyed and only need their bookkeeping finished.
func (b *Broker) Release(ctx context.Context, c dbc.Conn) error {
	pc, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("release of foreign connection %T", c)
	}
	if pc.closed {
		b.metrics.add(&b.metrics.ConnsDestroyed)
		return nil
	}
	pc.pooled.Release()
	b.metrics.add(&b.metrics.ConnsReleased)
	return nil
}

// Logger returns the broker's logger.
func (b *Broker) Logger() *zap.Logger { return b.logger }

// Metrics returns the live broker counters.
func (b *Broker) Metrics() *Metrics { return b.metrics }

// Close stops background work and closes the pool.
func (b *Broker) Close() {
	b.stopped.Do(func() { close(b.stop) })
	b.pool.Close()
	b.logger.Info("database broker closed")
}

func (b *Broker) healthCheckRoutine(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.pool.Ping(ctx); err != nil {
				b.logger.Error("database health check failed", zap.Error(err))
			}
			cancel()
		case <-b.stop:
			return
		}
	}
}
