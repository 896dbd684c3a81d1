// Package store provides SQLite-backed persistence for session state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store represents the SQLite session database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Cache returns the key/value view of one workspace.
func (s *Store) Cache(workspace string) *WorkspaceCache {
	return &WorkspaceCache{s: s, workspace: workspace}
}

// Entry is one cached value.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Entries returns every cached value of a workspace, ordered by key.
func (s *Store) Entries(ctx context.Context, workspace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, updated_ns FROM session_state WHERE workspace = ? ORDER BY key",
		workspace)
	if err != nil {
		return nil, fmt.Errorf("query session state: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ns int64
		if err := rows.Scan(&e.Key, &e.Value, &ns); err != nil {
			return nil, fmt.Errorf("scan session state: %w", err)
		}
		e.UpdatedAt = time.Unix(0, ns)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Workspaces returns every workspace with cached state.
func (s *Store) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT workspace FROM session_state ORDER BY workspace")
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID        string
	Workspace string
	StartedAt time.Time
	EndedAt   *time.Time
}

// BeginSession records the start of a session.
func (s *Store) BeginSession(ctx context.Context, id, workspace string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, workspace, started_ns) VALUES (?, ?, ?)",
		id, workspace, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession records the end of a session.
func (s *Store) EndSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_ns = ? WHERE id = ? AND ended_ns IS NULL",
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not open", id)
	}
	return nil
}

// Sessions returns the sessions of a workspace, newest first.
func (s *Store) Sessions(ctx context.Context, workspace string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, workspace, started_ns, ended_ns FROM sessions WHERE workspace = ? ORDER BY started_ns DESC",
		workspace)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Workspace, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WorkspaceCache is the session cache of one workspace.
type WorkspaceCache struct {
	s         *Store
	workspace string
}

// Get returns the value stored under key.
func (c *WorkspaceCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.s.db.QueryRowContext(ctx,
		"SELECT value FROM session_state WHERE workspace = ? AND key = ?",
		c.workspace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any previous value.
func (c *WorkspaceCache) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := c.s.db.ExecContext(ctx, `
		INSERT INTO session_state (workspace, key, value, updated_ns) VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace, key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns`,
		c.workspace, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *WorkspaceCache) Delete(ctx context.Context, key string) error {
	_, err := c.s.db.ExecContext(ctx,
		"DELETE FROM session_state WHERE workspace = ? AND key = ?", c.workspace, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every key of the workspace.
func (c *WorkspaceCache) Clear(ctx context.Context) error {
	_, err := c.s.db.ExecContext(ctx, "DELETE FROM session_state WHERE workspace = ?", c.workspace)
	if err != nil {
		return fmt.Errorf("clear workspace %s: %w", c.workspace, err)
	}
	return nil
}

// BeginSession implements session.Journal.
func (c *WorkspaceCache) BeginSession(ctx context.Context, id, workspace string) error {
	return c.s.BeginSession(ctx, id, workspace)
}

// EndSession implements session.Journal.
func (c *WorkspaceCache) EndSession(ctx context.Context, id string) error {
	return c.s.EndSession(ctx, id)
}
