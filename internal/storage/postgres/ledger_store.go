package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

const ledgerColumns = `owner_id, generation, overall_status, current_step, step_status,
	retry_count, failed_step, last_error, created_at, updated_at`

const ledgerSelect = `SELECT owner_id::text, generation, overall_status, current_step, step_status,
	retry_count, failed_step, last_error, created_at, updated_at`

// GetLedger loads the active ledger for the owner.
func (s *Store) GetLedger(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	query := ledgerSelect + `
		FROM progress_ledgers
		WHERE owner_id = $1 AND superseded_at IS NULL;`
	l, err := scanLedger(s.pool.QueryRow(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feedback.Ledger{}, store.ErrNotFound
		}
		return feedback.Ledger{}, fmt.Errorf("failed to get ledger: %w", err)
	}
	return l, nil
}

// RotateLedger locks the active row, retires it when it is the expected
// generation, and inserts MAX(generation)+1 in the same transaction.
func (s *Store) RotateLedger(
	ctx context.Context,
	ownerID uuid.UUID,
	retire int,
	at time.Time,
) (feedback.Ledger, error) {
	var out feedback.Ledger
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var active int
		lock := `
			SELECT generation
			FROM progress_ledgers
			WHERE owner_id = $1 AND superseded_at IS NULL
			FOR UPDATE;`
		err := tx.QueryRow(ctx, lock, ownerID).Scan(&active)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to lock ledger: %w", err)
		case active != retire:
			return store.ErrConflict
		default:
			retireQuery := `
				UPDATE progress_ledgers
				SET superseded_at = $3
				WHERE owner_id = $1 AND generation = $2;`
			if _, err := tx.Exec(ctx, retireQuery, ownerID, active, at); err != nil {
				return fmt.Errorf("failed to supersede ledger: %w", err)
			}
		}

		var next int
		nextQuery := `
			SELECT COALESCE(MAX(generation), 0) + 1
			FROM progress_ledgers
			WHERE owner_id = $1;`
		if err := tx.QueryRow(ctx, nextQuery, ownerID).Scan(&next); err != nil {
			return fmt.Errorf("failed to compute next generation: %w", err)
		}

		l := feedback.NewLedger(ownerID, next, at)
		doc, err := json.Marshal(l.Steps)
		if err != nil {
			return fmt.Errorf("marshal step status: %w", err)
		}
		insert := `
			INSERT INTO progress_ledgers (` + ledgerColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`
		if _, err := tx.Exec(ctx, insert,
			l.OwnerID,
			l.Generation,
			string(l.OverallStatus),
			int(l.CurrentStep),
			doc,
			l.RetryCount,
			l.FailedStep,
			l.LastError,
			l.CreatedAt,
			l.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return fmt.Errorf("failed to create ledger: %w", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return feedback.Ledger{}, err
	}
	return out, nil
}

// UpdateLedger locks the active row, applies fn, and writes the result in
// one transaction.
func (s *Store) UpdateLedger(
	ctx context.Context,
	ownerID uuid.UUID,
	fn func(*feedback.Ledger) error,
) (feedback.Ledger, error) {
	var out feedback.Ledger
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		query := ledgerSelect + `
			FROM progress_ledgers
			WHERE owner_id = $1 AND superseded_at IS NULL
			FOR UPDATE;`
		l, err := scanLedger(tx.QueryRow(ctx, query, ownerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return fmt.Errorf("failed to lock ledger: %w", err)
		}
		if err := fn(&l); err != nil {
			return err
		}
		doc, err := json.Marshal(l.Steps)
		if err != nil {
			return fmt.Errorf("marshal step status: %w", err)
		}
		update := `
			UPDATE progress_ledgers
			SET overall_status = $3, current_step = $4, step_status = $5,
				retry_count = $6, failed_step = $7, last_error = $8, updated_at = $9
			WHERE owner_id = $1 AND generation = $2;`
		if _, err := tx.Exec(ctx, update,
			l.OwnerID,
			l.Generation,
			string(l.OverallStatus),
			int(l.CurrentStep),
			doc,
			l.RetryCount,
			l.FailedStep,
			l.LastError,
			l.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to update ledger: %w", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return feedback.Ledger{}, err
	}
	return out, nil
}

// LedgerHistory returns all generations, newest first.
func (s *Store) LedgerHistory(ctx context.Context, ownerID uuid.UUID) ([]feedback.Ledger, error) {
	query := ledgerSelect + `
		FROM progress_ledgers
		WHERE owner_id = $1
		ORDER BY generation DESC;`
	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}
	defer rows.Close()

	var out []feedback.Ledger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledgers: %w", err)
	}
	return out, nil
}

func scanLedger(row pgx.Row) (feedback.Ledger, error) {
	var (
		l       feedback.Ledger
		ownerID string
		overall string
		step    int
		doc     []byte
	)
	if err := row.Scan(
		&ownerID,
		&l.Generation,
		&overall,
		&step,
		&doc,
		&l.RetryCount,
		&l.FailedStep,
		&l.LastError,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return feedback.Ledger{}, err
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return feedback.Ledger{}, fmt.Errorf("parse owner id: %w", err)
	}
	if err := json.Unmarshal(doc, &l.Steps); err != nil {
		return feedback.Ledger{}, fmt.Errorf("decode step status: %w", err)
	}
	l.OwnerID = id
	l.OverallStatus = feedback.OverallStatus(overall)
	l.CurrentStep = feedback.Step(step)
	return l, nil
}
