// Package store is the scheduler's run database: a durable record of
// task pool state, job history, broadcasts, and xtrigger results that
// lets a crashed or stopped scheduler resume exactly where it left
// off. Backed by Postgres through pgx/pgxpool with golang-migrate
// schema migrations. PrivateStore is the live, continuously-written
// database; PublicStore is a periodically-refreshed read-only copy
// used by reporting/UI consumers so they never block on or contend
// with live scheduler writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Config configures a Store's connection.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string // "file://..." URL golang-migrate understands
}

// PrivateStore is the live run database: every write the main loop
// durably records flows through here, transactionally where atomicity
// matters (e.g. task_pool changes alongside their checkpoint row).
type PrivateStore struct {
	pool   *pgxpool.Pool
	config *Config
}

// NewPrivateStore opens a connection pool and verifies connectivity.
func NewPrivateStore(ctx context.Context, cfg *Config) (*PrivateStore, error) {
	if cfg == nil || cfg.ConnectionString == "" {
		return nil, fmt.Errorf("store: connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://internal/store/migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PrivateStore{pool: pool, config: cfg}, nil
}

// Close releases the connection pool.
func (s *PrivateStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the underlying connection pool for call sites that need
// transaction control beyond this package's helpers.
func (s *PrivateStore) Pool() *pgxpool.Pool { return s.pool }

// MigrateToLatest applies every pending schema migration.
func (s *PrivateStore) MigrateToLatest(ctx context.Context) error {
	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// PublicStore is a periodically-refreshed snapshot of task_pool and
// task_jobs, read by reporting/UI consumers so they never contend with
// the live scheduler's writes. Staleness is handled by re-copying the
// rows wholesale from the private store.
type PublicStore struct {
	private      *PrivateStore
	refreshEvery time.Duration
	lastRefresh  time.Time

	mu       sync.RWMutex
	snapshot []TaskPoolRow
}

// NewPublicStore creates a PublicStore backed by private, refreshed no
// more often than refreshEvery.
func NewPublicStore(private *PrivateStore, refreshEvery time.Duration) *PublicStore {
	if refreshEvery <= 0 {
		refreshEvery = 5 * time.Second
	}
	return &PublicStore{private: private, refreshEvery: refreshEvery}
}

// RefreshIfStale re-copies the live task pool into the snapshot if the
// last refresh is older than refreshEvery.
func (p *PublicStore) RefreshIfStale(ctx context.Context, now time.Time) error {
	p.mu.RLock()
	stale := now.Sub(p.lastRefresh) >= p.refreshEvery
	p.mu.RUnlock()
	if !stale {
		return nil
	}

	rows, err := p.private.ListTaskPool(ctx)
	if err != nil {
		return fmt.Errorf("store: public refresh: %w", err)
	}

	p.mu.Lock()
	p.snapshot = rows
	p.lastRefresh = now
	p.mu.Unlock()
	return nil
}

// Snapshot returns the current read-only task pool copy.
func (p *PublicStore) Snapshot() []TaskPoolRow {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TaskPoolRow, len(p.snapshot))
	copy(out, p.snapshot)
	return out
}
