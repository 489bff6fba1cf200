package storage

import (
	"fmt"
)

// migrate creates or upgrades the schema. It is idempotent: tables are
// created if missing, and columns added in later releases are probed with
// PRAGMA table_info and backfilled via ALTER TABLE.
func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id              TEXT PRIMARY KEY,
			username             TEXT NOT NULL,
			task_type            TEXT NOT NULL DEFAULT 'Adhoc',
			status               TEXT NOT NULL DEFAULT 'Created',
			plugin               TEXT NOT NULL,
			action               TEXT NOT NULL DEFAULT 'run',
			args                 TEXT NOT NULL DEFAULT '[]',
			kwargs               TEXT NOT NULL DEFAULT '{}',
			executor             TEXT NOT NULL DEFAULT '',
			execution_start_time REAL NOT NULL DEFAULT 0,
			execution_end_time   REAL NOT NULL DEFAULT 0,
			interval             INTEGER NOT NULL DEFAULT 0,
			cron                 TEXT NOT NULL DEFAULT '',
			result               TEXT NOT NULL DEFAULT '',
			created_at           REAL NOT NULL,
			updated_at           REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			client       TEXT NOT NULL,
			status       TEXT NOT NULL,
			result       TEXT NOT NULL DEFAULT '',
			created_at   REAL NOT NULL,
			updated_at   REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			username       TEXT PRIMARY KEY,
			hostname       TEXT NOT NULL DEFAULT '',
			ip             TEXT NOT NULL DEFAULT '',
			cpu_percent    REAL NOT NULL DEFAULT 0,
			memory_percent REAL NOT NULL DEFAULT 0,
			platform       TEXT NOT NULL DEFAULT '',
			client_version TEXT NOT NULL DEFAULT '',
			last_heartbeat REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id         TEXT PRIMARY KEY,
			hostname   TEXT NOT NULL,
			plugin     TEXT NOT NULL,
			action     TEXT NOT NULL DEFAULT 'run',
			args       TEXT NOT NULL DEFAULT '[]',
			kwargs     TEXT NOT NULL DEFAULT '{}',
			created_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_params (
			username     TEXT NOT NULL,
			category     TEXT NOT NULL,
			name         TEXT NOT NULL,
			type         TEXT NOT NULL DEFAULT 'string',
			value        TEXT NOT NULL DEFAULT '',
			is_sensitive INTEGER NOT NULL DEFAULT 0,
			created_at   REAL NOT NULL,
			updated_at   REAL NOT NULL,
			PRIMARY KEY (username, category, name)
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO counters (name, value) VALUES ('task_id', 0)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_executor ON tasks (executor)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_hostname ON commands (hostname)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	// Columns added after the initial schema. Existing rows are backfilled
	// with defaults; timestamps default to the current instant at write time.
	added := []struct {
		table, column, ddl string
	}{
		{"tasks", "cron", `ALTER TABLE tasks ADD COLUMN cron TEXT NOT NULL DEFAULT ''`},
		{"workers", "platform", `ALTER TABLE workers ADD COLUMN platform TEXT NOT NULL DEFAULT ''`},
		{"workers", "client_version", `ALTER TABLE workers ADD COLUMN client_version TEXT NOT NULL DEFAULT ''`},
	}
	for _, a := range added {
		ok, err := s.hasColumn(a.table, a.column)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.Exec(a.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", a.table, a.column, err)
			}
			s.logger.Info().Str("table", a.table).Str("column", a.column).Msg("schema column added")
		}
	}

	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
