package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

type recordKey struct {
	owner    uuid.UUID
	nativeID string
}

// RecordStore keeps feedback records in memory with the same idempotency
// rules as the SQL stores.
type RecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]feedback.Record
	byKey   map[recordKey]int64
	nowFunc func() time.Time
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byID:    make(map[int64]feedback.Record),
		byKey:   make(map[recordKey]int64),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// UpsertRecords inserts new records and refreshes changed ones.
func (s *RecordStore) UpsertRecords(_ context.Context, records []feedback.Record) (store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.UpsertResult
	for _, rec := range records {
		if rec.NativeID == "" {
			res.Skipped++
			continue
		}
		key := recordKey{owner: rec.OwnerID, nativeID: rec.NativeID}
		rec.RawComments = feedback.NormalizeComments(rec.RawComments)
		if id, ok := s.byKey[key]; ok {
			existing := s.byID[id]
			if existing.SameContent(rec) {
				res.Unchanged++
				continue
			}
			existing.PostedAt = rec.PostedAt
			existing.Rating = rec.Rating
			existing.Body = rec.Body
			existing.Title = rec.Title
			existing.Author = rec.Author
			existing.URL = rec.URL
			existing.RawComments = rec.RawComments
			existing.Language = rec.Language
			s.byID[id] = existing
			res.Updated++
			continue
		}
		s.nextID++
		rec.ID = s.nextID
		rec.CreatedAt = s.nowFunc()
		rec.Sentiment = nil
		rec.Category = nil
		rec.Embedding = nil
		s.byID[rec.ID] = rec
		s.byKey[key] = rec.ID
		res.Inserted++
	}
	return res, nil
}

// CountBySource counts stored records for the owner and source.
func (s *RecordStore) CountBySource(_ context.Context, ownerID uuid.UUID, src feedback.Source) (int, error) {
	return s.count(func(r feedback.Record) bool {
		return r.OwnerID == ownerID && r.Source == src
	}), nil
}

// CountByOwner counts stored records for the owner.
func (s *RecordStore) CountByOwner(_ context.Context, ownerID uuid.UUID) (int, error) {
	return s.count(func(r feedback.Record) bool { return r.OwnerID == ownerID }), nil
}

// GetRecord returns a copy of the record.
func (s *RecordStore) GetRecord(_ context.Context, id int64) (feedback.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return feedback.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// CountUnlabeled counts records without a sentiment.
func (s *RecordStore) CountUnlabeled(context.Context) (int, error) {
	return s.count(func(r feedback.Record) bool { return !r.Labeled() }), nil
}

// ListUnlabeled returns unlabeled records ordered by id.
func (s *RecordStore) ListUnlabeled(_ context.Context, limit int) ([]feedback.Record, error) {
	return s.list(limit, func(r feedback.Record) bool { return !r.Labeled() }), nil
}

// LabelIfUnlabeled writes labels when sentiment is still unset.
func (s *RecordStore) LabelIfUnlabeled(_ context.Context, id int64, sentiment, category string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.Labeled() {
		return false, nil
	}
	rec.Sentiment = &sentiment
	rec.Category = &category
	s.byID[id] = rec
	return true, nil
}

// CountMissingEmbedding counts records without a vector.
func (s *RecordStore) CountMissingEmbedding(context.Context) (int, error) {
	return s.count(func(r feedback.Record) bool { return len(r.Embedding) == 0 }), nil
}

// ListMissingEmbedding returns records without a vector ordered by id.
func (s *RecordStore) ListMissingEmbedding(_ context.Context, limit int) ([]feedback.Record, error) {
	return s.list(limit, func(r feedback.Record) bool { return len(r.Embedding) == 0 }), nil
}

// SetEmbeddingIfMissing stores the vector when none is present.
func (s *RecordStore) SetEmbeddingIfMissing(_ context.Context, id int64, vector []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || len(rec.Embedding) > 0 {
		return false, nil
	}
	rec.Embedding = append([]float32(nil), vector...)
	s.byID[id] = rec
	return true, nil
}

func (s *RecordStore) count(match func(feedback.Record) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.byID {
		if match(rec) {
			n++
		}
	}
	return n
}

func (s *RecordStore) list(limit int, match func(feedback.Record) bool) []feedback.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.byID))
	for id, rec := range s.byID {
		if match(rec) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]feedback.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out
}
