// Package sqlite provides a single-file SQLite backend for local runs and
// tests. It implements the same repositories as the Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const timeLayout = time.RFC3339Nano

const migration = `
CREATE TABLE IF NOT EXISTS owners (
	id                 TEXT PRIMARY KEY,
	company_name       TEXT NOT NULL DEFAULT '',
	website_domain     TEXT NOT NULL DEFAULT '',
	google_play_app_id TEXT NOT NULL DEFAULT '',
	app_store_id       TEXT NOT NULL DEFAULT '',
	app_store_name     TEXT NOT NULL DEFAULT '',
	subreddit          TEXT NOT NULL DEFAULT '',
	twitter_query      TEXT NOT NULL DEFAULT '',
	country            TEXT NOT NULL DEFAULT '',
	language           TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS progress_ledgers (
	owner_id       TEXT NOT NULL REFERENCES owners(id),
	generation     INTEGER NOT NULL,
	overall_status TEXT NOT NULL,
	current_step   INTEGER NOT NULL,
	step_status    TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	failed_step    TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	superseded_at  TEXT,
	PRIMARY KEY (owner_id, generation)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_progress_ledgers_active
	ON progress_ledgers(owner_id) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS feedback_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id     TEXT NOT NULL,
	native_id    TEXT NOT NULL,
	source       TEXT NOT NULL,
	posted_at    TEXT NOT NULL,
	rating       REAL,
	body         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	raw_comments TEXT NOT NULL DEFAULT '[]',
	language     TEXT NOT NULL DEFAULT '',
	sentiment    TEXT,
	category     TEXT,
	embedding    TEXT,
	created_at   TEXT NOT NULL,
	UNIQUE (owner_id, native_id)
);

CREATE INDEX IF NOT EXISTS idx_feedback_records_owner_source ON feedback_records(owner_id, source);
CREATE INDEX IF NOT EXISTS idx_feedback_records_unlabeled ON feedback_records(id) WHERE sentiment IS NULL;
CREATE INDEX IF NOT EXISTS idx_feedback_records_unembedded ON feedback_records(id) WHERE embedding IS NULL;
`

// Store implements the ledger, record, and owner repositories on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open creates or opens the database file and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db.path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection keeps pragmas and write transactions serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	code := sqErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isConstraintViolation(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	// Extended codes keep the primary code in the low byte.
	return sqErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}
