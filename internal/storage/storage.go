// Package storage provides persistent storage using SQLite.
//
// It journals swap session records and their state transitions, keeps
// node settings, and archives revealed Nostr events. Private keys and
// withheld signature scalars are never written.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file inside the data directory.
const DBFileName = "tanos.db"

// ErrSettingNotFound is returned by GetSetting for an unknown key.
var ErrSettingNotFound = errors.New("setting not found")

// Storage provides persistent storage for the swap node.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Swap sessions (one row per swap, overwritten on every transition)
	CREATE TABLE IF NOT EXISTS swap_sessions (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		state TEXT NOT NULL,

		-- Agreed message and amount
		content TEXT NOT NULL,
		message_id TEXT,
		amount INTEGER NOT NULL,

		-- Public values (hex): local x-only key, counterparty key,
		-- adaptor point T and nonce point R
		local_key TEXT,
		counterparty_key TEXT,
		adaptor_point TEXT,
		nonce_point TEXT,

		-- Locked output and transactions
		output_script TEXT,
		funding_outpoint TEXT,
		claim_txid TEXT,

		failure_reason TEXT,

		-- Timing
		deadline INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swap_sessions_state ON swap_sessions(state);
	CREATE INDEX IF NOT EXISTS idx_swap_sessions_updated ON swap_sessions(updated_at);

	-- State transition log (for debugging and audit)
	CREATE TABLE IF NOT EXISTS swap_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		swap_id TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT NOT NULL,
		failure_reason TEXT,
		recorded_at INTEGER NOT NULL,

		FOREIGN KEY (swap_id) REFERENCES swap_sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_swap ON swap_transitions(swap_id);

	-- Revealed Nostr events
	CREATE TABLE IF NOT EXISTS nostr_events (
		id TEXT PRIMARY KEY,
		swap_id TEXT,
		pubkey TEXT NOT NULL,
		kind INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		raw TEXT NOT NULL,
		published_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_nostr_events_swap ON nostr_events(swap_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetSetting stores a value under key.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// GetSetting returns the value stored under key.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

const sessionIndexKey = "next_session_index"

// NextSessionIndex returns the next unused HD session key index and advances
// the counter, so no two swaps ever share a session key.
func (s *Storage) NextSessionIndex() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next uint32
	var value sql.NullString
	err = tx.QueryRow("SELECT value FROM settings WHERE key = ?", sessionIndexKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		n, err := strconv.ParseUint(value.String, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("corrupt %s: %w", sessionIndexKey, err)
		}
		next = uint32(n)
	}

	_, err = tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, sessionIndexKey, strconv.FormatUint(uint64(next)+1, 10), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
