package postgres

import (
	"context"
	"fmt"
)

// DefaultEmbeddingDim matches all-MiniLM-L6-v2.
const DefaultEmbeddingDim = 384

func schemaStatements(embeddingDim int) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS owners (
			id                 UUID PRIMARY KEY,
			company_name       TEXT NOT NULL DEFAULT '',
			website_domain     TEXT NOT NULL DEFAULT '',
			google_play_app_id TEXT NOT NULL DEFAULT '',
			app_store_id       TEXT NOT NULL DEFAULT '',
			app_store_name     TEXT NOT NULL DEFAULT '',
			subreddit          TEXT NOT NULL DEFAULT '',
			twitter_query      TEXT NOT NULL DEFAULT '',
			country            TEXT NOT NULL DEFAULT '',
			language           TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS progress_ledgers (
			owner_id       UUID NOT NULL REFERENCES owners(id),
			generation     INT NOT NULL,
			overall_status TEXT NOT NULL,
			current_step   INT NOT NULL,
			step_status    JSONB NOT NULL,
			retry_count    INT NOT NULL DEFAULT 0,
			failed_step    TEXT NOT NULL DEFAULT '',
			last_error     TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			superseded_at  TIMESTAMPTZ,
			PRIMARY KEY (owner_id, generation)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS progress_ledgers_active_idx
			ON progress_ledgers (owner_id) WHERE superseded_at IS NULL`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS feedback_records (
			id           BIGSERIAL PRIMARY KEY,
			owner_id     UUID NOT NULL REFERENCES owners(id),
			native_id    TEXT NOT NULL,
			source       TEXT NOT NULL,
			posted_at    TIMESTAMPTZ NOT NULL,
			rating       DOUBLE PRECISION,
			body         TEXT NOT NULL,
			title        TEXT,
			author       TEXT,
			url          TEXT NOT NULL DEFAULT '',
			raw_comments JSONB NOT NULL DEFAULT '[]',
			language     TEXT NOT NULL DEFAULT '',
			sentiment    TEXT,
			category     TEXT,
			labeled_at   TIMESTAMPTZ,
			embedding    REAL[] CHECK (embedding IS NULL OR cardinality(embedding) = %d),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner_id, native_id)
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS feedback_records_owner_source_idx
			ON feedback_records (owner_id, source)`,
		`CREATE INDEX IF NOT EXISTS feedback_records_unlabeled_idx
			ON feedback_records (id) WHERE sentiment IS NULL`,
		`CREATE INDEX IF NOT EXISTS feedback_records_unembedded_idx
			ON feedback_records (id) WHERE embedding IS NULL`,
	}
}

// Migrate creates the tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context, embeddingDim int) error {
	if embeddingDim <= 0 {
		embeddingDim = DefaultEmbeddingDim
	}
	for _, stmt := range schemaStatements(embeddingDim) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
