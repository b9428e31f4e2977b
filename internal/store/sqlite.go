package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB opens (creating if absent) the single embedded SQLite file at
// path with WAL journaling, per spec §6, and runs the idempotent
// migration list. A pure-Go driver (modernc.org/sqlite) is used so the
// gateway never requires cgo.
func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = path
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	conn.SetMaxOpenConns(1) // single writer per spec §5; serialise through one connection
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return conn, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id              TEXT PRIMARY KEY,
		provider        TEXT NOT NULL,
		email           TEXT NOT NULL,
		name            TEXT,
		avatar_url      TEXT,
		token           TEXT NOT NULL,
		quota           TEXT,
		created_at      INTEGER NOT NULL,
		last_used       INTEGER NOT NULL,
		status          TEXT NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 0,
		selected_models TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS semantic_cache (
		id            TEXT NOT NULL,
		prompt_hash   TEXT NOT NULL,
		prompt_text   TEXT NOT NULL,
		embedding     BLOB,
		response_text TEXT NOT NULL,
		model         TEXT,
		created_at    INTEGER NOT NULL,
		PRIMARY KEY (id, prompt_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_semantic_cache_hash ON semantic_cache(prompt_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_last_used ON accounts(last_used DESC)`,
}

// migrate runs every not-yet-applied statement in migrations, each
// tracked by its index in schema_meta so re-running init() is a no-op
// once applied — the idempotency spec §4.1 requires of init().
func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(migrations[0]); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}
	applied, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	for i := applied; i < len(migrations); i++ {
		if _, err := conn.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if err := setMeta(conn, "schema_version", fmt.Sprintf("%d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	value, ok, err := getMeta(conn, "schema_version")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var version int
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return 0, nil
	}
	return version, nil
}

func getMeta(conn *sql.DB, key string) (string, bool, error) {
	var value string
	err := conn.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func setMeta(conn *sql.DB, key, value string) error {
	_, err := conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// IntegrityCheck runs PRAGMA integrity_check for diagnostics.
func (s *Store) IntegrityCheck() (string, error) {
	var result string
	err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result)
	return result, err
}
