// Package sqlstore implements the relational persistence layer: audit
// log, archived threads, agent registry, API keys, and flight recorder
// sessions/entries — the source of truth for history, distinct from the
// JSON snapshot caches in internal/adapter/store. Follows an open, WAL,
// migrate, scan-row construction pattern.
package sqlstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle. The Audit, Registry, and Recorder
// stores below each hold that same *sql.DB, so the relay opens one SQLite
// file and shares the connection pool across the three relational
// concerns.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs every
// store's migration.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %q: %w", path, err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: set WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: enable foreign keys: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.conn.Close() }

// Audit returns the audit.Store backed by this connection.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.conn} }

// Registry returns the registry.Store backed by this connection.
func (d *DB) Registry() *RegistryStore { return &RegistryStore{db: d.conn} }

// Recorder returns the recorder.Store backed by this connection.
func (d *DB) Recorder() *RecorderStore { return &RecorderStore{db: d.conn} }

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id          TEXT PRIMARY KEY,
			timestamp   TEXT NOT NULL,
			action      TEXT NOT NULL,
			actor       TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT '',
			target_id   TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor)`,
		`CREATE TABLE IF NOT EXISTS archived_threads (
			id            TEXT PRIMARY KEY,
			thread_id     TEXT NOT NULL,
			participants  TEXT NOT NULL,
			first_at      TEXT NOT NULL,
			last_at       TEXT NOT NULL,
			messages      TEXT NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			archived_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_thread_id ON archived_threads(thread_id, archived_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL,
			capabilities          TEXT NOT NULL DEFAULT '[]',
			category              TEXT NOT NULL,
			requires_approval     INTEGER NOT NULL DEFAULT 0,
			auto_approve_on_check INTEGER NOT NULL DEFAULT 0,
			notification_mode     TEXT NOT NULL,
			webhook_url           TEXT NOT NULL DEFAULT '',
			webhook_secret        TEXT NOT NULL DEFAULT '',
			platform_url          TEXT NOT NULL DEFAULT '',
			notify_prompt         TEXT NOT NULL DEFAULT '',
			public                INTEGER NOT NULL DEFAULT 0,
			owner_id              TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL,
			last_seen_at          TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			hashed_key   TEXT NOT NULL UNIQUE,
			permissions  TEXT NOT NULL DEFAULT '[]',
			revoked      INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			last_used_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS recorder_sessions (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			entry_count   INTEGER NOT NULL DEFAULT 0,
			active        INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recorder_sessions_agent ON recorder_sessions(agent_id, active, last_activity)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL,
			context    TEXT,
			target     TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_session ON journal_entries(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_agent ON journal_entries(agent_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
