package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS session_kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_logs (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      DATETIME NOT NULL,
	level   TEXT NOT NULL,
	logger  TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	fields  TEXT NOT NULL DEFAULT ''
);
`

const tokenKey = "auth_token"

// SQLiteStore persists the session in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the session database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LoadToken() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT value FROM session_kv WHERE key = ?`, tokenKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select token: %w", err)
	}
	return token, nil
}

func (s *SQLiteStore) SaveToken(token string) error {
	if token == "" {
		_, err := s.db.Exec(`DELETE FROM session_kv WHERE key = ?`, tokenKey)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO session_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, tokenKey, token)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadLogs() ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT ts, level, logger, message, fields FROM session_logs
		ORDER BY seq DESC LIMIT ?`, MaxLogEntries)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Time, &e.Level, &e.Logger, &e.Message, &e.Fields); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order
	for l, r := 0, len(entries)-1; l < r; l, r = l+1, r-1 {
		entries[l], entries[r] = entries[r], entries[l]
	}
	return entries, nil
}

// SaveLogs replaces the stored log buffer with the newest MaxLogEntries entries.
func (s *SQLiteStore) SaveLogs(entries []LogEntry) error {
	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM session_logs`); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO session_logs (ts, level, logger, message, fields) VALUES (?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.Time.UTC(), e.Level, e.Logger, e.Message, e.Fields); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}
