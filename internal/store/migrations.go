package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Session state key/value table",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add sessions table for session lifetimes",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS session_state (
    workspace   TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       BLOB NOT NULL,
    updated_ns  INTEGER NOT NULL,
    PRIMARY KEY (workspace, key)
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS session_state;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    workspace   TEXT NOT NULL,
    started_ns  INTEGER NOT NULL,
    ended_ns    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace, started_ns);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_sessions_workspace;
DROP TABLE IF EXISTS sessions;
`

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
);
`

// MigrateDB brings db up to the latest schema.
func MigrateDB(db *sql.DB) error {
	return MigrateTo(db, LatestVersion())
}

// MigrateTo moves db to the target schema version, applying Up scripts
// forward or Down scripts backward. Each step runs in its own transaction.
func MigrateTo(db *sql.DB, target int) error {
	if target < 0 || target > LatestVersion() {
		return fmt.Errorf("unknown schema version %d", target)
	}
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version > current && m.Version <= target {
			err = step(db, m, m.Up, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
					m.Version, time.Now().UnixNano(), m.Description)
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.Version <= current && m.Version > target {
			err = step(db, m, m.Down, func(tx *sql.Tx) error {
				_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", m.Version)
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func step(db *sql.DB, m Migration, script string, record func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// LatestVersion is the version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}
