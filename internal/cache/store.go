// Package cache manages the SQLite-backed metadata cache: the single local
// database file that mirrors the cloud provider's directory tree so most
// Restic requests are answered without a network round trip. The cache
// opens a split reader/writer connection pool (see Handle) so a writer
// never blocks a concurrent read under WAL.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// readerPoolSize bounds how many concurrent read connections the cache
// keeps open against the WAL file alongside the single writer connection.
const readerPoolSize = 8

// pragmas are executed once per pool when openPool opens it, through the
// pool's sql.DB rather than on each connection. journal_mode is stored in
// the database file and so holds for every connection; the other settings
// are per-connection and hold only on the connection that ran them, not on
// connections the pool opens later. WAL lets readers proceed
// while the warmup walk writes; synchronous=NORMAL is safe under WAL and
// much faster than FULL; the larger page cache and mmap size keep a
// multi-hundred-thousand-row tree mostly resident in memory.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -65536", // 64MiB
	"PRAGMA temp_store = MEMORY",
	"PRAGMA mmap_size = 268435456", // 256MiB
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// Config holds the configuration required to open the cache database.
type Config struct {
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Handle holds the two *gorm.DB connections a Cache operates over: a single
// serialized writer and a separate pool of read connections. Both point at
// the same SQLite file in WAL mode, so a writer's fsync never blocks a
// reader and a reader never waits behind other reads, per the metadata
// cache's reader-writer concurrency requirement.
type Handle struct {
	Writer *gorm.DB
	Reader *gorm.DB

	writerConn *sql.DB
	readerConn *sql.DB
}

// Close releases both underlying connection pools.
func (h *Handle) Close() error {
	var firstErr error
	if h.writerConn != nil {
		if err := h.writerConn.Close(); err != nil {
			firstErr = err
		}
	}
	if h.readerConn != nil && h.readerConn != h.writerConn {
		if err := h.readerConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open opens the cache database, applies PRAGMAs and pending migrations,
// and returns a Handle with its writer and reader connections ready to use.
//
// An in-memory DSN (used by tests) gets a single shared connection for both
// roles, since SQLite's ":memory:" database is private per connection and a
// second pool would just see an empty database.
func Open(cfg Config) (*Handle, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("cache: logger is required")
	}

	writerConn, err := openPool(cfg.DSN, 1)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open writer connection: %w", err)
	}

	writerDB, err := gorm.Open(gormsqlite.Dialector{Conn: writerConn}, &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: failed to initialize writer gorm: %w", err)
	}

	if err := runMigrations(writerConn, cfg.Logger); err != nil {
		return nil, fmt.Errorf("cache: migrations failed: %w", err)
	}

	if cfg.DSN == ":memory:" {
		return &Handle{Writer: writerDB, Reader: writerDB, writerConn: writerConn}, nil
	}

	readerConn, err := openPool(cfg.DSN, readerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open reader pool: %w", err)
	}
	readerDB, err := gorm.Open(gormsqlite.Dialector{Conn: readerConn}, &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: failed to initialize reader gorm: %w", err)
	}

	return &Handle{Writer: writerDB, Reader: readerDB, writerConn: writerConn, readerConn: readerConn}, nil
}

func openPool(dsn string, maxOpen int) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return sqlDB, nil
}

// Ping verifies that the cache database connections are still alive.
func Ping(ctx context.Context, h *Handle) error {
	if err := h.writerConn.PingContext(ctx); err != nil {
		return fmt.Errorf("cache: writer connection: %w", err)
	}
	if h.readerConn != nil && h.readerConn != h.writerConn {
		if err := h.readerConn.PingContext(ctx); err != nil {
			return fmt.Errorf("cache: reader connection: %w", err)
		}
	}
	return nil
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("cache migrations applied successfully")
	return nil
}
