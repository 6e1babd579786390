package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

const recordSelect = `SELECT id, owner_id, native_id, source, posted_at, rating, body, title, author,
	url, raw_comments, language, sentiment, category, embedding, created_at
	FROM feedback_records`

// UpsertRecords compares each record with the stored copy and writes only
// new or changed rows. The whole batch commits together.
func (s *Store) UpsertRecords(ctx context.Context, records []feedback.Record) (store.UpsertResult, error) {
	var res store.UpsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if rec.NativeID == "" {
				res.Skipped++
				continue
			}
			outcome, err := s.upsertOne(ctx, tx, rec)
			if err != nil {
				if isConstraintViolation(err) {
					s.logger.Warn("skipping record rejected by constraint",
						zap.String("native_id", rec.NativeID),
						zap.Error(err),
					)
					res.Skipped++
					continue
				}
				return err
			}
			res.Add(outcome)
		}
		return nil
	})
	if err != nil {
		return store.UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) upsertOne(ctx context.Context, tx *sql.Tx, rec feedback.Record) (store.UpsertResult, error) {
	rec.RawComments = feedback.NormalizeComments(rec.RawComments)
	existing, err := scanRecord(tx.QueryRowContext(ctx,
		recordSelect+` WHERE owner_id = ? AND native_id = ?`, rec.OwnerID.String(), rec.NativeID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO feedback_records (owner_id, native_id, source, posted_at, rating, body,
				title, author, url, raw_comments, language, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.OwnerID.String(), rec.NativeID, string(rec.Source), formatTime(rec.PostedAt), rec.Rating,
			rec.Body, rec.Title, rec.Author, rec.URL, string(rec.RawComments), rec.Language,
			formatTime(s.now()),
		)
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("sqlite: insert record %s: %w", rec.NativeID, err)
		}
		return store.UpsertResult{Inserted: 1}, nil
	case err != nil:
		return store.UpsertResult{}, fmt.Errorf("sqlite: load record %s: %w", rec.NativeID, err)
	}
	if existing.SameContent(rec) {
		return store.UpsertResult{Unchanged: 1}, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE feedback_records
		SET posted_at = ?, rating = ?, body = ?, title = ?, author = ?, url = ?,
			raw_comments = ?, language = ?
		WHERE id = ?`,
		formatTime(rec.PostedAt), rec.Rating, rec.Body, rec.Title, rec.Author, rec.URL,
		string(rec.RawComments), rec.Language, existing.ID,
	)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("sqlite: update record %s: %w", rec.NativeID, err)
	}
	return store.UpsertResult{Updated: 1}, nil
}

// CountBySource counts the owner's records for one source.
func (s *Store) CountBySource(ctx context.Context, ownerID uuid.UUID, src feedback.Source) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE owner_id = ? AND source = ?`,
		ownerID.String(), string(src))
}

// CountByOwner counts the owner's records.
func (s *Store) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE owner_id = ?`, ownerID.String())
}

// GetRecord loads one record.
func (s *Store) GetRecord(ctx context.Context, id int64) (feedback.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return feedback.Record{}, store.ErrNotFound
		}
		return feedback.Record{}, fmt.Errorf("sqlite: get record: %w", err)
	}
	return rec, nil
}

// CountUnlabeled counts records with no sentiment.
func (s *Store) CountUnlabeled(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE sentiment IS NULL`)
}

// ListUnlabeled returns the oldest unlabeled records.
func (s *Store) ListUnlabeled(ctx context.Context, limit int) ([]feedback.Record, error) {
	return s.list(ctx, recordSelect+` WHERE sentiment IS NULL ORDER BY id LIMIT ?`, limit)
}

// LabelIfUnlabeled writes the labels when sentiment is still NULL.
func (s *Store) LabelIfUnlabeled(ctx context.Context, id int64, sentiment, category string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_records SET sentiment = ?, category = ? WHERE id = ? AND sentiment IS NULL`,
		sentiment, category, id)
	if err != nil {
		return false, fmt.Errorf("sqlite: label record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

// CountMissingEmbedding counts records with no embedding.
func (s *Store) CountMissingEmbedding(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM feedback_records WHERE embedding IS NULL`)
}

// ListMissingEmbedding returns the oldest records lacking an embedding.
func (s *Store) ListMissingEmbedding(ctx context.Context, limit int) ([]feedback.Record, error) {
	return s.list(ctx, recordSelect+` WHERE embedding IS NULL ORDER BY id LIMIT ?`, limit)
}

// SetEmbeddingIfMissing stores the vector as a JSON array.
func (s *Store) SetEmbeddingIfMissing(ctx context.Context, id int64, vector []float32) (bool, error) {
	doc, err := json.Marshal(vector)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_records SET embedding = ? WHERE id = ? AND embedding IS NULL`, string(doc), id)
	if err != nil {
		return false, fmt.Errorf("sqlite: store embedding %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

func (s *Store) list(ctx context.Context, query string, limit int) ([]feedback.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []feedback.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (feedback.Record, error) {
	var (
		rec                 feedback.Record
		ownerID, source     string
		posted, created     string
		comments            string
		sentiment, category sql.NullString
		embedding           sql.NullString
		rating              sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &ownerID, &rec.NativeID, &source, &posted, &rating, &rec.Body,
		&rec.Title, &rec.Author, &rec.URL, &comments, &rec.Language, &sentiment, &category,
		&embedding, &created); err != nil {
		return feedback.Record{}, err
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return feedback.Record{}, fmt.Errorf("parse owner id: %w", err)
	}
	rec.OwnerID = id
	rec.Source = feedback.Source(source)
	if rec.PostedAt, err = parseTime(posted); err != nil {
		return feedback.Record{}, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return feedback.Record{}, err
	}
	if rating.Valid {
		v := rating.Float64
		rec.Rating = &v
	}
	if sentiment.Valid {
		v := sentiment.String
		rec.Sentiment = &v
	}
	if category.Valid {
		v := category.String
		rec.Category = &v
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &rec.Embedding); err != nil {
			return feedback.Record{}, fmt.Errorf("decode embedding: %w", err)
		}
	}
	rec.RawComments = feedback.NormalizeComments(json.RawMessage(comments))
	return rec, nil
}
