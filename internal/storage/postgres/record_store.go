package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

const recordSelect = `SELECT id, owner_id::text, native_id, source, posted_at, rating, body,
	title, author, url, raw_comments, language, sentiment, category, embedding, created_at
	FROM feedback_records`

const upsertRecordSQL = `
	INSERT INTO feedback_records (
		owner_id, native_id, source, posted_at, rating, body,
		title, author, url, raw_comments, language
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (owner_id, native_id) DO UPDATE SET
		posted_at = EXCLUDED.posted_at,
		rating = EXCLUDED.rating,
		body = EXCLUDED.body,
		title = EXCLUDED.title,
		author = EXCLUDED.author,
		url = EXCLUDED.url,
		raw_comments = EXCLUDED.raw_comments,
		language = EXCLUDED.language
	WHERE (feedback_records.posted_at, feedback_records.rating, feedback_records.body,
		feedback_records.title, feedback_records.author, feedback_records.url,
		feedback_records.raw_comments, feedback_records.language)
		IS DISTINCT FROM
		(EXCLUDED.posted_at, EXCLUDED.rating, EXCLUDED.body, EXCLUDED.title,
		EXCLUDED.author, EXCLUDED.url, EXCLUDED.raw_comments, EXCLUDED.language)
	RETURNING (xmax = 0) AS inserted;`

// UpsertRecords writes each record with ON CONFLICT on (owner_id, native_id).
// Rows whose content is unchanged are not rewritten.
func (s *Store) UpsertRecords(ctx context.Context, records []feedback.Record) (store.UpsertResult, error) {
	var res store.UpsertResult
	for _, rec := range records {
		if rec.NativeID == "" {
			res.Skipped++
			continue
		}
		var inserted bool
		err := s.pool.QueryRow(ctx, upsertRecordSQL,
			rec.OwnerID,
			rec.NativeID,
			string(rec.Source),
			rec.PostedAt,
			rec.Rating,
			rec.Body,
			nullableString(rec.Title),
			nullableString(rec.Author),
			rec.URL,
			[]byte(feedback.NormalizeComments(rec.RawComments)),
			rec.Language,
		).Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Unchanged++
		case err != nil && isConstraintViolation(err):
			s.logger.Warn("skipping record rejected by constraint",
				zap.String("native_id", rec.NativeID),
				zap.Error(err),
			)
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("failed to upsert record %s: %w", rec.NativeID, err)
		case inserted:
			res.Inserted++
		default:
			res.Updated++
		}
	}
	return res, nil
}

// CountBySource counts the owner's records for one source.
func (s *Store) CountBySource(ctx context.Context, ownerID uuid.UUID, src feedback.Source) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE owner_id = $1 AND source = $2;`,
		ownerID, string(src))
}

// CountByOwner counts every record for the owner.
func (s *Store) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE owner_id = $1;`, ownerID)
}

// GetRecord loads a record by id.
func (s *Store) GetRecord(ctx context.Context, id int64) (feedback.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, recordSelect+` WHERE id = $1;`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feedback.Record{}, store.ErrNotFound
		}
		return feedback.Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// CountUnlabeled counts records with no sentiment yet.
func (s *Store) CountUnlabeled(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE sentiment IS NULL;`)
}

// ListUnlabeled returns the oldest unlabeled records.
func (s *Store) ListUnlabeled(ctx context.Context, limit int) ([]feedback.Record, error) {
	return s.list(ctx, recordSelect+` WHERE sentiment IS NULL ORDER BY id LIMIT $1;`, limit)
}

// LabelIfUnlabeled sets sentiment and category unless another writer got
// there first.
func (s *Store) LabelIfUnlabeled(ctx context.Context, id int64, sentiment, category string) (bool, error) {
	query := `
		UPDATE feedback_records
		SET sentiment = $2, category = $3, labeled_at = now()
		WHERE id = $1 AND sentiment IS NULL;`
	res, err := s.pool.Exec(ctx, query, id, sentiment, category)
	if err != nil {
		return false, fmt.Errorf("failed to label record %d: %w", id, err)
	}
	return res.RowsAffected() == 1, nil
}

// CountMissingEmbedding counts records with no embedding.
func (s *Store) CountMissingEmbedding(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE embedding IS NULL;`)
}

// ListMissingEmbedding returns the oldest records lacking an embedding.
func (s *Store) ListMissingEmbedding(ctx context.Context, limit int) ([]feedback.Record, error) {
	return s.list(ctx, recordSelect+` WHERE embedding IS NULL ORDER BY id LIMIT $1;`, limit)
}

// SetEmbeddingIfMissing stores the vector when the column is still NULL.
func (s *Store) SetEmbeddingIfMissing(ctx context.Context, id int64, vector []float32) (bool, error) {
	query := `UPDATE feedback_records SET embedding = $2 WHERE id = $1 AND embedding IS NULL;`
	res, err := s.pool.Exec(ctx, query, id, vector)
	if err != nil {
		if isConstraintViolation(err) {
			return false, fmt.Errorf("embedding for record %d rejected: %w", id, err)
		}
		return false, fmt.Errorf("failed to store embedding %d: %w", id, err)
	}
	return res.RowsAffected() == 1, nil
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return int(n), nil
}

func (s *Store) list(ctx context.Context, query string, limit int) ([]feedback.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (feedback.Record, error) {
	var (
		rec      feedback.Record
		ownerID  string
		source   string
		title    *string
		author   *string
		comments []byte
	)
	if err := row.Scan(
		&rec.ID,
		&ownerID,
		&rec.NativeID,
		&source,
		&rec.PostedAt,
		&rec.Rating,
		&rec.Body,
		&title,
		&author,
		&rec.URL,
		&comments,
		&rec.Language,
		&rec.Sentiment,
		&rec.Category,
		&rec.Embedding,
		&rec.CreatedAt,
	); err != nil {
		return feedback.Record{}, err
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return feedback.Record{}, fmt.Errorf("parse owner id: %w", err)
	}
	rec.OwnerID = id
	rec.Source = feedback.Source(source)
	rec.Title = derefString(title)
	rec.Author = derefString(author)
	rec.RawComments = feedback.NormalizeComments(comments)
	return rec, nil
}
