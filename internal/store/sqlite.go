package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between the snapshot writer and id updates.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS abandoned_sessions (
		session_id TEXT PRIMARY KEY,
		abandoned_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) put(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "put "+key, writeAttempts, writeBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	})
}

// GetSessionID returns the durable session id.
func (s *SQLiteStore) GetSessionID(ctx context.Context) (string, error) {
	id, _, err := s.get(ctx, SessionIDKey)
	return id, err
}

// SetSessionID stores the durable session id.
func (s *SQLiteStore) SetSessionID(ctx context.Context, id string) error {
	return s.put(ctx, SessionIDKey, id)
}

// AbandonSession records that id was replaced.
func (s *SQLiteStore) AbandonSession(ctx context.Context, id string, at time.Time) error {
	query := `INSERT INTO abandoned_sessions (session_id, abandoned_at) VALUES (?, ?)
	ON CONFLICT(session_id) DO NOTHING`
	return withRetry(ctx, "abandon session", writeAttempts, writeBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, id, at.Unix()); err != nil {
			return fmt.Errorf("abandon session: %w", err)
		}
		return nil
	})
}

// IsAbandoned reports whether id was abandoned.
func (s *SQLiteStore) IsAbandoned(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM abandoned_sessions WHERE session_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query abandoned session: %w", err)
	}
	return n > 0, nil
}

// LoadSnapshot returns the persisted snapshot, or nil if none exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	raw, ok, err := s.get(ctx, SnapshotKey)
	if err != nil || !ok {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot replaces the persisted snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.put(ctx, SnapshotKey, string(data))
}

var _ Repository = (*SQLiteStore)(nil)
