package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite, one row per conversation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS transcripts (
		name TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		theme TEXT NOT NULL,
		conversations_json TEXT NOT NULL,
		mode INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
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

// LoadTranscript returns the named transcript.
func (s *SQLiteStore) LoadTranscript(ctx context.Context, name string) ([]domain.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT messages_json FROM transcripts WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript row: %w", err)
	}

	msgs := []domain.Message{}
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript %q: %w", name, err)
	}
	return msgs, nil
}

// SaveTranscript creates or replaces the named transcript.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, name string, msgs []domain.Message) error {
	if name == "" {
		return ErrEmptyName
	}

	data, err := json.Marshal(domain.Clone(msgs))
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	query := `
	INSERT INTO transcripts (name, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	now := time.Now().UnixNano()
	err = shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query, name, string(data), now, now)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// TranscriptNames returns stored names in creation order.
func (s *SQLiteStore) TranscriptNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM transcripts ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("query transcript names: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan transcript name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript names: %w", err)
	}
	return names, nil
}

// LoadSettings returns the single settings row, or defaults.
func (s *SQLiteStore) LoadSettings(ctx context.Context) (*domain.Settings, error) {
	var theme, conversations string
	var mode int
	err := s.db.QueryRowContext(ctx,
		`SELECT theme, conversations_json, mode FROM settings WHERE id = 1`,
	).Scan(&theme, &conversations, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan settings row: %w", err)
	}

	settings := &domain.Settings{Theme: theme, Mode: domain.Mode(mode)}
	if err := json.Unmarshal([]byte(conversations), &settings.Conversations); err != nil {
		slog.Warn("Settings conversation list is malformed, resetting", "error", err)
		settings.Conversations = nil
	}
	settings.Normalize()
	return settings, nil
}

// SaveSettings replaces the settings row.
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *domain.Settings) error {
	cp := *settings
	cp.Normalize()

	conversations, err := json.Marshal(cp.Conversations)
	if err != nil {
		return fmt.Errorf("encode conversation list: %w", err)
	}

	query := `
	INSERT INTO settings (id, theme, conversations_json, mode, updated_at)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		theme = excluded.theme,
		conversations_json = excluded.conversations_json,
		mode = excluded.mode,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query, cp.Theme, string(conversations), int(cp.Mode), time.Now().Unix())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
