// Package storage owns the persistence layer: a database/sql handle with
// dialect-aware SQL, schema migration, and SQLite contention retry. The
// thread, task, and session stores all share one DB so cross-store writes
// can ride a single transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
)

// Dialect identifies the SQL flavor in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Config configures the database connection.
type Config struct {
	Driver Dialect `yaml:"driver" json:"driver"`
	// Path is the SQLite database file; ignored for other drivers.
	Path string `yaml:"path" json:"path"`
	// DSN is the connection string for postgres/mysql.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
}

func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DialectSQLite
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DialectSQLite:
		if c.Path == "" {
			return fmt.Errorf("sqlite driver requires path")
		}
	case DialectPostgres, DialectMySQL:
		if c.DSN == "" {
			return fmt.Errorf("%s driver requires dsn", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported driver: %s", c.Driver)
	}
	return nil
}

// DB wraps the sql handle with the active dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects per config and migrates the schema.
func Open(cfg Config) (*DB, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindValidation, "invalid storage config", err)
	}

	var driverName, dsn string
	switch cfg.Driver {
	case DialectSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to create database directory", err)
			}
		}
		driverName = "sqlite3"
		// WAL for concurrent readers, busy_timeout as a first line of
		// defense before the application-level retry kicks in.
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	case DialectPostgres:
		driverName = "postgres"
		dsn = cfg.DSN
	case DialectMySQL:
		driverName = "mysql"
		dsn = cfg.DSN
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.Driver == DialectSQLite {
		// SQLite allows a single writer; serializing through one conn
		// avoids most SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to ping database", err)
	}

	d := &DB{db: db, dialect: cfg.Driver, logger: logger.Component("storage")}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) Close() error { return d.db.Close() }

// Handle exposes the underlying sql.DB for the stores in this package's
// sibling packages.
func (d *DB) Handle() *sql.DB { return d.db }

// Rebind converts '?' placeholders to the dialect's form.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const (
	busyRetryInitial  = 100 * time.Millisecond
	busyRetryMax      = 1 * time.Second
	busyRetryAttempts = 3
)

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// WithBusyRetry runs fn, retrying on SQLite lock contention with doubling
// delays (100ms, 200ms, 400ms, capped at 1s) up to 3 retries. Non-SQLite
// dialects run fn once.
func (d *DB) WithBusyRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if d.dialect != DialectSQLite {
		return err
	}

	delay := busyRetryInitial
	for attempt := 0; attempt < busyRetryAttempts && isBusy(err); attempt++ {
		d.logger.Debug("database busy, retrying", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > busyRetryMax {
			delay = busyRetryMax
		}
		err = fn()
	}
	return err
}

// Tx runs fn inside a transaction, rolling back on error.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.WithBusyRetry(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to begin transaction", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to commit transaction", err)
		}
		return nil
	})
}
