package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Driver: DialectSQLite, Path: filepath.Join(t.TempDir(), "lace.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite with path", Config{Driver: DialectSQLite, Path: "/tmp/x.db"}, false},
		{"sqlite without path", Config{Driver: DialectSQLite}, true},
		{"postgres with dsn", Config{Driver: DialectPostgres, DSN: "postgres://localhost/lace"}, false},
		{"postgres without dsn", Config{Driver: DialectPostgres}, true},
		{"mysql without dsn", Config{Driver: DialectMySQL}, true},
		{"unknown driver", Config{Driver: "oracle", DSN: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	assert.Equal(t, DialectSQLite, cfg.Driver)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "lace.db")
	db, err := Open(Config{Driver: DialectSQLite, Path: path})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, DialectSQLite, db.Dialect())
}

func TestOpenMigratesSchema(t *testing.T) {
	db := newTestDB(t)

	// The schema is in place and queryable.
	for _, table := range []string{"threads", "thread_events", "tasks", "task_notes", "sessions"} {
		var n int
		err := db.Handle().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, 0, n)
	}

	// Reopening the same file is idempotent.
	db2, err := Open(Config{Driver: DialectSQLite, Path: filepath.Join(t.TempDir(), "lace.db")})
	require.NoError(t, err)
	db2.Close()
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: DialectSQLite}
	pg := &DB{dialect: DialectPostgres}
	mysql := &DB{dialect: DialectMySQL}

	q := "SELECT * FROM tasks WHERE session_id = ? AND status = ?"
	assert.Equal(t, q, sqlite.Rebind(q))
	assert.Equal(t, q, mysql.Rebind(q))
	assert.Equal(t, "SELECT * FROM tasks WHERE session_id = $1 AND status = $2", pg.Rebind(q))
}

func TestWithBusyRetryRetriesLockContention(t *testing.T) {
	db := newTestDB(t)

	calls := 0
	err := db.WithBusyRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBusyRetryGivesUp(t *testing.T) {
	db := newTestDB(t)

	calls := 0
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")
	err := db.WithBusyRetry(context.Background(), func() error {
		calls++
		return busy
	})
	require.ErrorIs(t, err, busy)
	assert.Equal(t, 1+busyRetryAttempts, calls)
}

func TestWithBusyRetryDoesNotRetryOtherErrors(t *testing.T) {
	db := newTestDB(t)

	calls := 0
	err := db.WithBusyRetry(context.Background(), func() error {
		calls++
		return errors.New("constraint violation")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithBusyRetryHonorsContext(t *testing.T) {
	db := newTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithBusyRetry(ctx, func() error {
		return errors.New("database is locked")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO threads (id, session_id, created_at, updated_at) VALUES (?, ?, ?, ?)",
			"lace_20260101_aaaaaa", "lace_20260101_aaaaaa", time.Now(), time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Handle().QueryRow("SELECT COUNT(*) FROM threads").Scan(&n))
	assert.Equal(t, 0, n)
}
