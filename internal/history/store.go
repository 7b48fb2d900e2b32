// Package history persists finished transcriptions in SQLite and keeps
// the newest entries within a configured bound.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxielabs/voxie-core/internal/protocol"
)

// ErrNotFound means no history item matched the given ID.
var ErrNotFound = errors.New("history: item not found")

// Store is a SQLite-backed transcription history. With an empty path it
// runs ephemeral: writes succeed and nothing is kept.
type Store struct {
	db       *sql.DB
	log      *slog.Logger
	maxItems int
	clock    func() time.Time
}

// Open initializes the history store at path, creating parent
// directories as needed. maxItems bounds retained entries.
func Open(ctx context.Context, path string, maxItems int, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if path == "" {
		return &Store{log: log, maxItems: maxItems, clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, maxItems: maxItems, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS history (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL,
    mode TEXT NOT NULL,
    model_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one finished transcription and prunes past the bound.
func (s *Store) Append(ctx context.Context, item protocol.HistoryItem) error {
	if s.db == nil {
		return nil
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(id, text, created_at, duration_ms, mode, model_name)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		item.ID, item.Text, item.Timestamp.UTC().Format(time.RFC3339Nano),
		item.DurationMS, item.Mode, item.ModelName)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return s.Prune(ctx)
}

// List returns up to limit items, newest first. limit <= 0 returns all
// retained items.
func (s *Store) List(ctx context.Context, limit int) ([]protocol.HistoryItem, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at, duration_ms, mode, model_name
		 FROM history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var items []protocol.HistoryItem
	for rows.Next() {
		var item protocol.HistoryItem
		var created string
		if err := rows.Scan(&item.ID, &item.Text, &created, &item.DurationMS, &item.Mode, &item.ModelName); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			item.Timestamp = ts
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes one item by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every item.
func (s *Store) Clear(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// Prune drops everything past the newest maxItems entries.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.maxItems <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id IN (
		SELECT id FROM history ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
	)`, s.maxItems)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}
