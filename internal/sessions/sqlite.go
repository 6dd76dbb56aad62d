package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists session logs in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) a SQLite-backed
// store at path. An empty path keeps the log in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sessions database: %w", err)
	}
	// The gateway appends from a single process; one connection keeps
	// SQLite's writer lock uncontended.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create session_events table: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_session_events_key
		ON session_events(session_key, id)
	`)
	if err != nil {
		return fmt.Errorf("create session_events index: %w", err)
	}
	return nil
}

// AppendEvent appends an entry to a session's log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionKey string, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_key, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionKey, entry.Kind, string(entry.Payload), entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// History returns the most recent entries for a session, oldest first.
func (s *SQLiteStore) History(ctx context.Context, sessionKey string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, payload, created_at
		FROM (
			SELECT id, kind, payload, created_at
			FROM session_events
			WHERE session_key = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry   Entry
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&entry.Kind, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		entry.SessionKey = sessionKey
		if payload.Valid && payload.String != "" {
			entry.Payload = []byte(payload.String)
		}
		entry.CreatedAt = time.UnixMilli(created)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SessionKeys lists the distinct session keys in the store.
func (s *SQLiteStore) SessionKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_key FROM session_events ORDER BY session_key`)
	if err != nil {
		return nil, fmt.Errorf("query session keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan session key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
