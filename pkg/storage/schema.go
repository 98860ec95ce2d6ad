package storage

import (
	"fmt"
	"strings"

	"github.com/lacehq/lace/pkg/lacerrors"
)

// migrate creates the runtime tables if missing. Statements are written in
// the lowest common denominator across the three dialects; the few
// divergent column types are switched per dialect.
func (d *DB) migrate() error {
	autoPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	textType := "TEXT"
	switch d.dialect {
	case DialectPostgres:
		autoPK = "BIGSERIAL PRIMARY KEY"
	case DialectMySQL:
		autoPK = "BIGINT PRIMARY KEY AUTO_INCREMENT"
		textType = "MEDIUMTEXT"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64),
			name VARCHAR(255) NOT NULL,
			description ` + textType + `,
			status VARCHAR(16) NOT NULL,
			config ` + textType + ` NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			name VARCHAR(255),
			provider VARCHAR(64),
			model VARCHAR(255),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_events (
			id ` + autoPK + `,
			thread_id VARCHAR(255) NOT NULL,
			seq INTEGER NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			data ` + textType + ` NOT NULL,
			created_at TIMESTAMP NOT NULL,
			CONSTRAINT uq_thread_seq UNIQUE (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			title VARCHAR(255) NOT NULL,
			prompt ` + textType + ` NOT NULL,
			description ` + textType + `,
			status VARCHAR(16) NOT NULL,
			priority VARCHAR(8) NOT NULL,
			assigned_to VARCHAR(255),
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_notes (
			id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			author VARCHAR(255) NOT NULL,
			content ` + textType + ` NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_events_thread ON thread_events (thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_session ON threads (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_notes_task ON task_notes (task_id)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			// MySQL predates IF NOT EXISTS on CREATE INDEX; treat
			// duplicate index errors as already-migrated.
			if d.dialect == DialectMySQL && isDuplicateIndex(err) {
				continue
			}
			return lacerrors.Wrap(lacerrors.KindStorage, fmt.Sprintf("migration failed: %.60s", stmt), err)
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "Duplicate key name") || strings.Contains(err.Error(), "Error 1061"))
}
