// Package storage holds the state, credential, and webhook-delivery stores.
//
// DB is the PostgreSQL backend (pgxpool). Memory is the in-process backend.
// The sqlite and redisstore subpackages provide the other backends.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kakehashi/internal/telemetry"
)

// Retry policy for writes that can hit serialization failures.
const (
	writeRetries   = 3
	writeBaseDelay = 10 * time.Millisecond
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &DB{pool: pool, logger: logger, now: time.Now}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Name implements Store.
func (db *DB) Name() string { return "postgres" }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(context.Context) {
	db.pool.Close()
}

// RegisterPoolMetrics exports pool gauges through the global meter. Call it
// after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("storage")
	total, _ := meter.Int64ObservableGauge("kakehashi.db.pool.connections",
		metric.WithDescription("Open connections in the Postgres pool"))
	idle, _ := meter.Int64ObservableGauge("kakehashi.db.pool.idle",
		metric.WithDescription("Idle connections in the Postgres pool"))
	waits, _ := meter.Int64ObservableCounter("kakehashi.db.pool.acquire_waits",
		metric.WithDescription("Acquires that had to wait for a connection"))

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(total, int64(st.TotalConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(waits, st.EmptyAcquireCount())
		return nil
	}, total, idle, waits)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}
