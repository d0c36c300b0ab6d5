// Package engine wraps sqlx.DB with the database dialect and the group id.
// All stores share one engine, queries are picked per dialect via QueryMap.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"       // postgres driver loaded here
	_ "modernc.org/sqlite"      // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	gid    string // group id, to allow per-group storage in the same database
	dbType Type   // type of the database engine
}

// NewSqlite creates a new sqlite database
func NewSqlite(file, gid string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return &SQL{}, err
	}
	if err := setSqlitePragma(db); err != nil {
		return &SQL{}, err
	}
	return &SQL{DB: *db, gid: gid, dbType: Sqlite}, nil
}

// NewPostgres creates a new postgres database connection and verifies it with a ping
func NewPostgres(ctx context.Context, connURL, gid string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connURL)
	if err != nil {
		return &SQL{}, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		return &SQL{}, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &SQL{DB: *db, gid: gid, dbType: Postgres}, nil
}

// GID returns the group id
func (e *SQL) GID() string {
	return e.gid
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// RWLocker is a read-write locker interface. Sqlite engines get a real mutex,
// server engines handle concurrency themselves and get the no-op version.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NoopLocker is a no-op locker
type NoopLocker struct{}

// Lock is a no-op
func (NoopLocker) Lock() {}

// Unlock is a no-op
func (NoopLocker) Unlock() {}

// RLock is a no-op
func (NoopLocker) RLock() {}

// RUnlock is a no-op
func (NoopLocker) RUnlock() {}

// MakeLock creates a new lock for the database engine
func (e *SQL) MakeLock() RWLocker {
	if e.dbType == Sqlite {
		return new(sync.RWMutex) // sqlite need locking
	}
	return &NoopLocker{} // other engines don't need locking
}

// Adopt rewrites a query placeholder style for the engine dialect.
// Queries are written sqlite-style with ? and rebound for postgres.
func (e *SQL) Adopt(query string) string {
	if e.dbType == Postgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

func setSqlitePragma(db *sqlx.DB) error {
	pragmas := map[string]string{
		"busy_timeout": "5000",
	}
	for name, value := range pragmas {
		if _, err := db.Exec("PRAGMA " + name + " = " + value); err != nil {
			return err
		}
	}
	return nil
}

// TableConfig describes a store-managed table: its schema and index commands
// in the store's QueryMap plus an optional migration for existing tables.
type TableConfig struct {
	Name          string
	CreateTable   DBCmd
	CreateIndexes DBCmd
	QueriesMap    *QueryMap
	MigrateFunc   func(context.Context, *sqlx.Tx, string) error
}

// InitTable creates the table and its indexes if they don't exist yet, or runs
// the migration for an existing table, all in a single transaction.
func InitTable(ctx context.Context, db *SQL, cfg TableConfig) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	switch db.dbType {
	case Sqlite:
		err = tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", cfg.Name)
	case Postgres:
		err = tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM information_schema.tables WHERE table_name=$1", cfg.Name)
	default:
		return fmt.Errorf("unsupported database type %q", db.dbType)
	}
	if err != nil {
		return fmt.Errorf("failed to check for %s table existence: %w", cfg.Name, err)
	}

	if exists == 0 {
		createStmt, err := cfg.QueriesMap.Pick(db.dbType, cfg.CreateTable)
		if err != nil {
			return fmt.Errorf("failed to get create table query: %w", err)
		}
		if _, err = tx.ExecContext(ctx, createStmt); err != nil {
			return fmt.Errorf("failed to create %s table: %w", cfg.Name, err)
		}
		idxStmt, err := cfg.QueriesMap.Pick(db.dbType, cfg.CreateIndexes)
		if err != nil {
			return fmt.Errorf("failed to get create indexes query: %w", err)
		}
		if _, err = tx.ExecContext(ctx, idxStmt); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", cfg.Name, err)
		}
	}

	if exists > 0 && cfg.MigrateFunc != nil {
		if err = cfg.MigrateFunc(ctx, tx, db.GID()); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", cfg.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
