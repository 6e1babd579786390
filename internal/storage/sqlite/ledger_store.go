package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

const ledgerSelect = `SELECT owner_id, generation, overall_status, current_step, step_status,
	retry_count, failed_step, last_error, created_at, updated_at
	FROM progress_ledgers`

type rowScanner interface {
	Scan(dest ...any) error
}

// GetLedger loads the active ledger.
func (s *Store) GetLedger(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		ledgerSelect+` WHERE owner_id = ? AND superseded_at IS NULL`, ownerID.String())
	l, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return feedback.Ledger{}, store.ErrNotFound
		}
		return feedback.Ledger{}, fmt.Errorf("sqlite: get ledger: %w", err)
	}
	return l, nil
}

// RotateLedger retires the expected generation and inserts its successor in
// one transaction.
func (s *Store) RotateLedger(
	ctx context.Context,
	ownerID uuid.UUID,
	retire int,
	at time.Time,
) (feedback.Ledger, error) {
	var out feedback.Ledger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRowContext(ctx,
			`SELECT generation FROM progress_ledgers WHERE owner_id = ? AND superseded_at IS NULL`,
			ownerID.String(),
		).Scan(&active)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("sqlite: load active generation: %w", err)
		case active != retire:
			return store.ErrConflict
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE progress_ledgers SET superseded_at = ? WHERE owner_id = ? AND generation = ?`,
				formatTime(at), ownerID.String(), active,
			); err != nil {
				return fmt.Errorf("sqlite: supersede ledger: %w", err)
			}
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(generation), 0) + 1 FROM progress_ledgers WHERE owner_id = ?`,
			ownerID.String(),
		).Scan(&next); err != nil {
			return fmt.Errorf("sqlite: next generation: %w", err)
		}

		l := feedback.NewLedger(ownerID, next, at)
		doc, err := json.Marshal(l.Steps)
		if err != nil {
			return fmt.Errorf("sqlite: marshal steps: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO progress_ledgers (owner_id, generation, overall_status, current_step, step_status,
				retry_count, failed_step, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.OwnerID.String(), l.Generation, string(l.OverallStatus), int(l.CurrentStep), string(doc),
			l.RetryCount, l.FailedStep, l.LastError, formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return fmt.Errorf("sqlite: insert ledger: %w", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return feedback.Ledger{}, err
	}
	return out, nil
}

// UpdateLedger applies fn inside a transaction. The store runs on a single
// connection so the read and write cannot interleave with another writer.
func (s *Store) UpdateLedger(
	ctx context.Context,
	ownerID uuid.UUID,
	fn func(*feedback.Ledger) error,
) (feedback.Ledger, error) {
	var out feedback.Ledger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			ledgerSelect+` WHERE owner_id = ? AND superseded_at IS NULL`, ownerID.String())
		l, err := scanLedger(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return fmt.Errorf("sqlite: load ledger: %w", err)
		}
		if err := fn(&l); err != nil {
			return err
		}
		doc, err := json.Marshal(l.Steps)
		if err != nil {
			return fmt.Errorf("sqlite: marshal steps: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE progress_ledgers
			SET overall_status = ?, current_step = ?, step_status = ?, retry_count = ?,
				failed_step = ?, last_error = ?, updated_at = ?
			WHERE owner_id = ? AND generation = ?`,
			string(l.OverallStatus), int(l.CurrentStep), string(doc), l.RetryCount,
			l.FailedStep, l.LastError, formatTime(l.UpdatedAt),
			l.OwnerID.String(), l.Generation,
		)
		if err != nil {
			return fmt.Errorf("sqlite: update ledger: %w", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return feedback.Ledger{}, err
	}
	return out, nil
}

// LedgerHistory returns every generation, newest first.
func (s *Store) LedgerHistory(ctx context.Context, ownerID uuid.UUID) ([]feedback.Ledger, error) {
	rows, err := s.db.QueryContext(ctx,
		ledgerSelect+` WHERE owner_id = ? ORDER BY generation DESC`, ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ledgers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []feedback.Ledger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan ledger: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLedger(row rowScanner) (feedback.Ledger, error) {
	var (
		l                feedback.Ledger
		ownerID, overall string
		step             int
		doc              string
		created, updated string
	)
	if err := row.Scan(&ownerID, &l.Generation, &overall, &step, &doc,
		&l.RetryCount, &l.FailedStep, &l.LastError, &created, &updated); err != nil {
		return feedback.Ledger{}, err
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return feedback.Ledger{}, fmt.Errorf("parse owner id: %w", err)
	}
	if err := json.Unmarshal([]byte(doc), &l.Steps); err != nil {
		return feedback.Ledger{}, fmt.Errorf("decode steps: %w", err)
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return feedback.Ledger{}, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return feedback.Ledger{}, err
	}
	l.OwnerID = id
	l.OverallStatus = feedback.OverallStatus(overall)
	l.CurrentStep = feedback.Step(step)
	return l, nil
}
