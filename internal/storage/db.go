// Package storage persists the peer cache and the call history in a
// per-peer SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// schemaVersion is stamped into _meta on first open. Migrations beyond
// the ignore-error ALTER below key off the recorded value.
const schemaVersion = "1"

// DB wraps a SQLite database for a peer
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database in the given directory
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Create internal metadata table
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// Last known state of every peer ever seen on the presence channel.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _peer_cache (
			peer_id        TEXT PRIMARY KEY,
			name           TEXT DEFAULT '',
			email          TEXT DEFAULT '',
			video_disabled INTEGER DEFAULT 0,
			addrs          TEXT DEFAULT '[]',
			last_seen      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peer cache table: %w", err)
	}

	// Call history, one row per attempted call.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _call_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id      TEXT NOT NULL,
			call_type    TEXT NOT NULL,
			direction    TEXT NOT NULL,
			participants TEXT DEFAULT '[]',
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at     DATETIME,
			end_reason   TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call log table: %w", err)
	}

	// Migration: add end_reason column if missing (existing databases)
	db.Exec(`ALTER TABLE _call_log ADD COLUMN end_reason TEXT DEFAULT ''`)

	d := &DB{db: db, path: dbPath}
	// New databases get the current version; existing ones keep the
	// version they were created with.
	if d.GetMeta("schema_version") == "" {
		if err := d.SetMeta("schema_version", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("stamp schema version: %w", err)
		}
	}
	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetMeta stores a key/value pair in the metadata table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMeta returns the value for a key, or "" if unset.
func (d *DB) GetMeta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}
