// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// LedgerStore keeps ledgers in a map guarded by a mutex. Superseded
// generations are appended to a per-owner history.
type LedgerStore struct {
	mu      sync.RWMutex
	active  map[uuid.UUID]feedback.Ledger
	retired map[uuid.UUID][]feedback.Ledger
}

// NewLedgerStore constructs a LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		active:  make(map[uuid.UUID]feedback.Ledger),
		retired: make(map[uuid.UUID][]feedback.Ledger),
	}
}

// GetLedger returns the active ledger.
func (s *LedgerStore) GetLedger(_ context.Context, ownerID uuid.UUID) (feedback.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.active[ownerID]
	if !ok {
		return feedback.Ledger{}, store.ErrNotFound
	}
	return l, nil
}

// UpdateLedger applies fn under the write lock.
func (s *LedgerStore) UpdateLedger(
	_ context.Context,
	ownerID uuid.UUID,
	fn func(*feedback.Ledger) error,
) (feedback.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.active[ownerID]
	if !ok {
		return feedback.Ledger{}, store.ErrNotFound
	}
	// fn works on a copy so a failed mutation leaves the stored value intact.
	working := current
	if err := fn(&working); err != nil {
		return feedback.Ledger{}, err
	}
	s.active[ownerID] = working
	return working, nil
}

// RotateLedger moves the active ledger into history and stores the next
// generation.
func (s *LedgerStore) RotateLedger(
	_ context.Context,
	ownerID uuid.UUID,
	retire int,
	at time.Time,
) (feedback.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	if current, ok := s.active[ownerID]; ok {
		if current.Generation != retire {
			return feedback.Ledger{}, store.ErrConflict
		}
		current.UpdatedAt = at
		s.retired[ownerID] = append(s.retired[ownerID], current)
		delete(s.active, ownerID)
	}
	for _, l := range s.retired[ownerID] {
		next = max(next, l.Generation)
	}
	l := feedback.NewLedger(ownerID, next+1, at)
	s.active[ownerID] = l
	return l, nil
}

// LedgerHistory returns the active ledger (if any) followed by retired
// generations, newest first.
func (s *LedgerStore) LedgerHistory(_ context.Context, ownerID uuid.UUID) ([]feedback.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []feedback.Ledger
	if l, ok := s.active[ownerID]; ok {
		out = append(out, l)
	}
	retired := s.retired[ownerID]
	for i := len(retired) - 1; i >= 0; i-- {
		out = append(out, retired[i])
	}
	return out, nil
}
