// Package postgres implements pkg/index.Index on PostgreSQL via pgx,
// adapted from the teacher's pkg/compliance/storage/postgres database
// wiring: pgxpool for queries, golang-migrate (file-source, lib/pq driver)
// for schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/bararchive/creator/pkg/index"
)

// Config configures the postgres index DB.
type Config struct {
	ConnectionString string
	MaxConnections    int32
	ConnectTimeout    time.Duration
	MigrationsPath    string // "file://pkg/index/postgres/migrations" by default
}

// DB is the postgres-backed index.Index implementation.
type DB struct {
	pool *pgxpool.Pool
	cfg  Config
}

// Open connects to postgres and applies any pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("index/postgres: connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://pkg/index/postgres/migrations"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("index/postgres: parsing connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("index/postgres: creating connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index/postgres: pinging database: %w", err)
	}

	db := &DB{pool: pool, cfg: cfg}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	sqlDB, err := sql.Open("postgres", db.cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("index/postgres: opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("index/postgres: creating migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(db.cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("index/postgres: creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("index/postgres: applying migrations: %w", err)
	}
	return nil
}

// Close satisfies index.Index.
func (db *DB) Close(ctx context.Context) error {
	db.pool.Close()
	return nil
}

var _ index.Index = (*DB)(nil)
