// Package store declares interfaces for persisting owners, feedback records,
// and pipeline progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals that a unique row already exists.
	ErrConflict = errors.New("record already exists")
)

// LedgerRepository persists progress ledgers. Only one ledger per owner is
// active at a time; superseded generations are retained for audit.
type LedgerRepository interface {
	// GetLedger loads the active ledger or returns ErrNotFound.
	GetLedger(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error)
	// RotateLedger retires generation retire and inserts the next pending
	// generation in one transaction. retire is 0 when the caller expects no
	// active ledger. It returns ErrConflict when a different generation is
	// active. The new generation is numbered one past the highest the owner
	// has ever had, so retired rows never collide with it.
	RotateLedger(ctx context.Context, ownerID uuid.UUID, retire int, at time.Time) (feedback.Ledger, error)
	// UpdateLedger runs fn against the latest committed ledger and persists
	// the result atomically. When fn returns an error nothing is written.
	UpdateLedger(ctx context.Context, ownerID uuid.UUID, fn func(*feedback.Ledger) error) (feedback.Ledger, error)
	// LedgerHistory returns every generation for the owner, newest first.
	LedgerHistory(ctx context.Context, ownerID uuid.UUID) ([]feedback.Ledger, error)
}
