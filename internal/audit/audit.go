// Package audit persists one row per gateway request to a local SQLite
// database. The store is a side-effect sink: recording failures are
// logged, never surfaced to the caller.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Entry is one audited gateway request.
type Entry struct {
	RequestID        string        `db:"request_id"`
	Endpoint         string        `db:"endpoint"`
	Model            string        `db:"model"`
	Stream           bool          `db:"stream"`
	StatusCode       int           `db:"status_code"`
	PromptTokens     int           `db:"prompt_tokens"`
	CompletionTokens int           `db:"completion_tokens"`
	Duration         time.Duration `db:"-"`
}

// Store writes audit rows through sqlx. A nil *Store is a valid no-op
// sink, so callers never need to branch on whether auditing is enabled.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS request_log (
id INTEGER PRIMARY KEY AUTOINCREMENT,
request_id TEXT NOT NULL,
endpoint TEXT NOT NULL,
model TEXT,
stream INTEGER NOT NULL DEFAULT 0,
status_code INTEGER NOT NULL,
prompt_tokens INTEGER NOT NULL DEFAULT 0,
completion_tokens INTEGER NOT NULL DEFAULT 0,
duration_ns INTEGER,
created_at TIMESTAMP NOT NULL
)`)
	return err
}

// DB exposes the underlying handle for ad-hoc queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Record persists one entry. Safe on a nil store.
func (s *Store) Record(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log
(request_id, endpoint, model, stream, status_code, prompt_tokens, completion_tokens, duration_ns, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Endpoint, e.Model, e.Stream, e.StatusCode,
		e.PromptTokens, e.CompletionTokens, e.Duration.Nanoseconds(), time.Now().UTC(),
	)
	if err != nil {
		s.logger.Warn("failed to record audit entry",
			slog.String("request_id", e.RequestID),
			slog.String("error", err.Error()))
	}
}

// Close releases the underlying database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
