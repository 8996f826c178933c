package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/therepai/companion/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
  owner          TEXT NOT NULL,
  id             TEXT NOT NULL,
  title          TEXT NOT NULL,
  created_at_ms  INTEGER NOT NULL,
  PRIMARY KEY (owner, id)
);

CREATE TABLE IF NOT EXISTS messages (
  owner          TEXT NOT NULL,
  thread_id      TEXT NOT NULL,
  position       INTEGER NOT NULL,
  role           TEXT NOT NULL,
  content        TEXT NOT NULL,
  created_at_ms  INTEGER NOT NULL,
  PRIMARY KEY (owner, thread_id, position),
  FOREIGN KEY (owner, thread_id) REFERENCES threads(owner, id) ON DELETE CASCADE
);
`

// SQLite stores threads in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Name returns the backend name.
func (s *SQLite) Name() string {
	return "sqlite"
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the owner's threads with their messages, newest first.
func (s *SQLite) Load(ctx context.Context, owner string) ([]*model.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, created_at_ms
FROM threads
WHERE owner = ?
ORDER BY created_at_ms DESC, id DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}

	var threads []*model.Thread
	byID := make(map[string]*model.Thread)
	for rows.Next() {
		var (
			t         model.Thread
			createdMs int64
		)
		if err := rows.Scan(&t.ID, &t.Title, &createdMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.Owner = owner
		t.CreatedAt = time.UnixMilli(createdMs).UTC()
		t.Messages = []model.Message{}
		threads = append(threads, &t)
		byID[t.ID] = &t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.QueryContext(ctx, `
SELECT thread_id, role, content, created_at_ms
FROM messages
WHERE owner = ?
ORDER BY thread_id, position`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			threadID, role, content string
			createdMs               int64
		)
		if err := msgRows.Scan(&threadID, &role, &content, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		t, ok := byID[threadID]
		if !ok {
			continue
		}
		t.Messages = append(t.Messages, model.Message{
			Role:      model.Role(role),
			Content:   content,
			CreatedAt: time.UnixMilli(createdMs).UTC(),
		})
	}
	return threads, msgRows.Err()
}

// Save upserts the thread row and appends messages not yet stored.
// Messages are append-only, so rows at existing positions are never rewritten.
func (s *SQLite) Save(ctx context.Context, thread *model.Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO threads (owner, id, title, created_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(owner, id) DO UPDATE SET title = excluded.title`,
		thread.Owner, thread.ID, thread.Title, thread.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE owner = ? AND thread_id = ?`,
		thread.Owner, thread.ID).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	for i := stored; i < len(thread.Messages); i++ {
		m := thread.Messages[i]
		_, err := tx.ExecContext(ctx, `
INSERT INTO messages (owner, thread_id, position, role, content, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
			thread.Owner, thread.ID, i, string(m.Role), m.Content, m.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes a thread and its messages.
func (s *SQLite) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE owner = ? AND id = ?`, owner, id); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}
