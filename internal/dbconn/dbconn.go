// Package dbconn opens the ledger database for the creditd and creditctl
// binaries. PostgreSQL DSNs get a pgx pool; anything else is treated as a
// SQLite location and served through GORM.
package dbconn

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/synterhq/creditd/internal/store/gormstore"
	"github.com/synterhq/creditd/internal/store/pgstore"
	"github.com/synterhq/creditd/pkg/credits"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// EnginePgx serves PostgreSQL through a raw pgx pool, EngineGorm
	// through GORM. SQLite always uses GORM.
	EnginePgx  = "pgx"
	EngineGorm = "gorm"
)

type options struct {
	engine string
}

// Option adjusts how Open connects.
type Option func(*options)

// WithEngine selects the PostgreSQL access layer. Unknown values fall back
// to pgx.
func WithEngine(engine string) Option {
	return func(opts *options) {
		opts.engine = engine
	}
}

// Backend bundles an open database with the credits.Store built over it.
type Backend struct {
	Driver string
	Store  credits.Store

	gormDB *gorm.DB
	pool   *pgxpool.Pool
}

// Open connects to the database named by dsn and prepares the schema for
// SQLite targets. The returned cleanup closes the underlying connections.
func Open(ctx context.Context, dsn string, opts ...Option) (*Backend, func() error, error) {
	settings := options{engine: EnginePgx}
	for _, opt := range opts {
		opt(&settings)
	}

	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case DriverPostgres:
		if settings.engine == EngineGorm {
			db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
			if err != nil {
				return nil, nil, fmt.Errorf("postgres open: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, nil, err
			}
			backend := &Backend{Driver: driver, Store: gormstore.New(db.WithContext(ctx)), gormDB: db}
			return backend, sqlDB.Close, nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		backend := &Backend{Driver: driver, Store: pgstore.New(pool), pool: pool}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return backend, cleanup, nil
	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		if err := gormstore.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		backend := &Backend{Driver: driver, Store: gormstore.New(db.WithContext(ctx)), gormDB: db}
		return backend, sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
