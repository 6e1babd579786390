package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// UpsertResult tallies the outcome of an idempotent batch write.
type UpsertResult struct {
	// Inserted counts rows that did not exist before.
	Inserted int
	// Updated counts existing rows whose source data changed.
	Updated int
	// Unchanged counts duplicates carrying identical data.
	Unchanged int
	// Skipped counts rows rejected by a constraint and left out.
	Skipped int
}

// Collected returns the rows that count toward a sub-step target.
func (r UpsertResult) Collected() int {
	return r.Inserted + r.Updated
}

// Add merges another result into r.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Skipped += other.Skipped
}

// RecordRepository persists normalized feedback records keyed by
// (owner, native id).
type RecordRepository interface {
	// UpsertRecords writes a batch idempotently. Per-record constraint
	// violations are skipped and counted rather than failing the batch.
	UpsertRecords(ctx context.Context, records []feedback.Record) (UpsertResult, error)
	// CountBySource counts the owner's stored records for one source.
	CountBySource(ctx context.Context, ownerID uuid.UUID, src feedback.Source) (int, error)
	// CountByOwner counts every stored record for the owner.
	CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
	// GetRecord loads a record by surrogate id or returns ErrNotFound.
	GetRecord(ctx context.Context, id int64) (feedback.Record, error)

	// CountUnlabeled counts records across all owners lacking a sentiment.
	CountUnlabeled(ctx context.Context) (int, error)
	// ListUnlabeled returns up to limit unlabeled records in creation order.
	ListUnlabeled(ctx context.Context, limit int) ([]feedback.Record, error)
	// LabelIfUnlabeled writes labels only when the record still has no
	// sentiment. It reports whether the write happened.
	LabelIfUnlabeled(ctx context.Context, id int64, sentiment, category string) (bool, error)

	// CountMissingEmbedding counts records without an embedding.
	CountMissingEmbedding(ctx context.Context) (int, error)
	// ListMissingEmbedding returns up to limit records lacking an embedding
	// in creation order.
	ListMissingEmbedding(ctx context.Context, limit int) ([]feedback.Record, error)
	// SetEmbeddingIfMissing stores the vector only when none exists yet.
	SetEmbeddingIfMissing(ctx context.Context, id int64, vector []float32) (bool, error)
}

// OwnerRepository persists owner profiles.
type OwnerRepository interface {
	CreateOwner(ctx context.Context, owner feedback.Owner) error
	GetOwner(ctx context.Context, id uuid.UUID) (feedback.Owner, error)
	UpdateOwner(ctx context.Context, owner feedback.Owner) error
}
