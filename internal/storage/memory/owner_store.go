package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// OwnerStore keeps owner profiles in memory.
type OwnerStore struct {
	mu     sync.RWMutex
	owners map[uuid.UUID]feedback.Owner
}

// NewOwnerStore constructs an OwnerStore.
func NewOwnerStore() *OwnerStore {
	return &OwnerStore{owners: make(map[uuid.UUID]feedback.Owner)}
}

// CreateOwner stores a new owner.
func (s *OwnerStore) CreateOwner(_ context.Context, owner feedback.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.owners[owner.ID]; exists {
		return store.ErrConflict
	}
	s.owners[owner.ID] = owner
	return nil
}

// GetOwner fetches an owner by id.
func (s *OwnerStore) GetOwner(_ context.Context, id uuid.UUID) (feedback.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[id]
	if !ok {
		return feedback.Owner{}, store.ErrNotFound
	}
	return owner, nil
}

// UpdateOwner replaces an existing owner.
func (s *OwnerStore) UpdateOwner(_ context.Context, owner feedback.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[owner.ID]; !ok {
		return store.ErrNotFound
	}
	s.owners[owner.ID] = owner
	return nil
}
