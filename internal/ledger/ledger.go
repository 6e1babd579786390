// Package ledger is the single entry point for reading and mutating
// per-owner progress ledgers. Every mutation is an atomic read-modify-write
// against the backing repository; nothing is cached between calls.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// Service wraps a LedgerRepository with the ledger contract.
type Service struct {
	repo   store.LedgerRepository
	clock  feedback.Clock
	logger *zap.Logger
}

// New constructs a Service.
func New(repo store.LedgerRepository, clock feedback.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, clock: clock, logger: logger}
}

// Get returns the active ledger or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	l, err := s.repo.GetLedger(ctx, ownerID)
	if err != nil {
		return feedback.Ledger{}, fmt.Errorf("get ledger: %w", err)
	}
	return l, nil
}

// Initialize returns the owner's active ledger, creating one when none
// exists. A failed ledger is superseded by a fresh generation; any other
// existing ledger is returned untouched.
func (s *Service) Initialize(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	existing, err := s.repo.GetLedger(ctx, ownerID)
	switch {
	case err == nil && existing.OverallStatus != feedback.OverallFailed:
		return existing, nil
	case err == nil:
		return s.rotate(ctx, existing)
	case errors.Is(err, store.ErrNotFound):
		return s.rotate(ctx, feedback.Ledger{OwnerID: ownerID})
	default:
		return feedback.Ledger{}, fmt.Errorf("initialize ledger: %w", err)
	}
}

// Supersede retires the active ledger and starts a new pending generation.
// It is the external reset for terminal ledgers.
func (s *Service) Supersede(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	existing, err := s.repo.GetLedger(ctx, ownerID)
	switch {
	case err == nil:
		return s.rotate(ctx, existing)
	case errors.Is(err, store.ErrNotFound):
		return s.rotate(ctx, feedback.Ledger{OwnerID: ownerID})
	default:
		return feedback.Ledger{}, fmt.Errorf("supersede ledger: %w", err)
	}
}

// History lists every ledger generation for the owner, newest first.
func (s *Service) History(ctx context.Context, ownerID uuid.UUID) ([]feedback.Ledger, error) {
	out, err := s.repo.LedgerHistory(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	return out, nil
}

// rotate replaces existing with the next generation. A zero Generation
// means no ledger was active when the caller looked.
func (s *Service) rotate(ctx context.Context, existing feedback.Ledger) (feedback.Ledger, error) {
	l, err := s.repo.RotateLedger(ctx, existing.OwnerID, existing.Generation, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with another initializer; the winner's ledger stands.
			return s.Get(ctx, existing.OwnerID)
		}
		return feedback.Ledger{}, fmt.Errorf("rotate ledger: %w", err)
	}
	if existing.Generation > 0 {
		s.logger.Info("ledger superseded",
			zap.String("owner_id", existing.OwnerID.String()),
			zap.Int("generation", existing.Generation),
			zap.String("previous_status", string(existing.OverallStatus)),
		)
	}
	return l, nil
}

// MarkStep sets a top-level step status.
func (s *Service) MarkStep(
	ctx context.Context,
	ownerID uuid.UUID,
	step feedback.Step,
	status feedback.StepStatus,
) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "mark step", func(l *feedback.Ledger) error {
		return l.MarkStep(step, status)
	})
}

// StartIngestion initializes the sub-step slots on first entry.
func (s *Service) StartIngestion(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "start ingestion", func(l *feedback.Ledger) error {
		return l.StartIngestion()
	})
}

// MarkSubstep sets one ingestion sub-step status.
func (s *Service) MarkSubstep(
	ctx context.Context,
	ownerID uuid.UUID,
	src feedback.Source,
	status feedback.StepStatus,
	errText string,
) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "mark substep", func(l *feedback.Ledger) error {
		return l.MarkSubstep(src, status, errText)
	})
}

// SaveCursor persists a sub-step resume cursor and collected count.
func (s *Service) SaveCursor(
	ctx context.Context,
	ownerID uuid.UUID,
	src feedback.Source,
	cursor feedback.Cursor,
	collected int,
) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "save cursor", func(l *feedback.Ledger) error {
		return l.SaveCursor(src, cursor, collected)
	})
}

// Advance moves current_step forward.
func (s *Service) Advance(ctx context.Context, ownerID uuid.UUID, next feedback.Step) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "advance", func(l *feedback.Ledger) error {
		return l.Advance(next)
	})
}

// SetOverall sets the pipeline status.
func (s *Service) SetOverall(
	ctx context.Context,
	ownerID uuid.UUID,
	status feedback.OverallStatus,
	errText string,
) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "set overall", func(l *feedback.Ledger) error {
		return l.SetOverall(status, errText)
	})
}

// IncrementRetry bumps retry_count.
func (s *Service) IncrementRetry(ctx context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "increment retry", func(l *feedback.Ledger) error {
		_, err := l.IncrementRetry()
		return err
	})
}

// Update applies an arbitrary ledger mutation atomically. Callers use it to
// group several field changes into one settled transition.
func (s *Service) Update(
	ctx context.Context,
	ownerID uuid.UUID,
	fn func(*feedback.Ledger) error,
) (feedback.Ledger, error) {
	return s.mutate(ctx, ownerID, "update", fn)
}

func (s *Service) mutate(
	ctx context.Context,
	ownerID uuid.UUID,
	op string,
	fn func(*feedback.Ledger) error,
) (feedback.Ledger, error) {
	l, err := s.repo.UpdateLedger(ctx, ownerID, func(l *feedback.Ledger) error {
		if err := fn(l); err != nil {
			return err
		}
		l.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return feedback.Ledger{}, fmt.Errorf("ledger %s: %w", op, err)
	}
	return l, nil
}
