// dbping verifies database connectivity through the full stack: it loads
// configuration, opens a broker and runs one read-only transaction.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dependablelabs/dbc"
	"github.com/dependablelabs/dbc/config"
	"github.com/dependablelabs/dbc/pgxbroker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dbping:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	broker, err := pgxbroker.New(ctx, pgxbroker.Config{
		URL:               cfg.Database.URL,
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime:   cfg.Database.ConnMaxIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening broker: %w", err)
	}
	defer broker.Close()

	db := dbc.New(broker)
	one, err := db.QueryInt(ctx, dbc.QueryDefaults().RequireRow(), "SELECT 1")
	if err != nil {
		return fmt.Errorf("sanity query: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("sanity query returned %d", one)
	}

	logger.Info("database reachable")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
