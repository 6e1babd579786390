package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

func TestLedgerStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLedgerStore()
	owner := uuid.New()

	_, err := s.GetLedger(ctx, owner)
	require.ErrorIs(t, err, store.ErrNotFound)

	l, err := s.RotateLedger(ctx, owner, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 1, l.Generation)
	_, err = s.RotateLedger(ctx, owner, 0, time.Unix(1, 0))
	require.ErrorIs(t, err, store.ErrConflict)

	updated, err := s.UpdateLedger(ctx, owner, func(l *feedback.Ledger) error {
		return l.SetOverall(feedback.OverallInProgress, "")
	})
	require.NoError(t, err)
	require.Equal(t, feedback.OverallInProgress, updated.OverallStatus)

	_, err = s.UpdateLedger(ctx, owner, func(l *feedback.Ledger) error {
		l.RetryCount = 99
		return errors.New("abort")
	})
	require.Error(t, err)
	got, err := s.GetLedger(ctx, owner)
	require.NoError(t, err)
	require.Zero(t, got.RetryCount)

	next, err := s.RotateLedger(ctx, owner, 1, time.Unix(10, 0))
	require.NoError(t, err)
	require.Equal(t, 2, next.Generation)

	history, err := s.LedgerHistory(ctx, owner)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 2, history[0].Generation)
	require.Equal(t, 1, history[1].Generation)
}

func TestLedgerStoreRotateSkipsRetiredGenerations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLedgerStore()
	owner := uuid.New()
	s.retired[owner] = []feedback.Ledger{
		feedback.NewLedger(owner, 1, time.Unix(0, 0)),
		feedback.NewLedger(owner, 2, time.Unix(5, 0)),
	}

	l, err := s.RotateLedger(ctx, owner, 0, time.Unix(10, 0))
	require.NoError(t, err)
	require.Equal(t, 3, l.Generation)
	got, err := s.GetLedger(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 3, got.Generation)
}

func TestRecordStoreUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore()
	owner := uuid.New()
	batch := []feedback.Record{
		{OwnerID: owner, NativeID: "app_store:1", Source: feedback.SourceAppStore, Body: "love it"},
		{OwnerID: owner, NativeID: "app_store:2", Source: feedback.SourceAppStore, Body: "meh"},
		{OwnerID: owner, NativeID: "", Source: feedback.SourceAppStore, Body: "no id"},
	}

	res, err := s.UpsertRecords(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, store.UpsertResult{Inserted: 2, Skipped: 1}, res)

	res, err = s.UpsertRecords(ctx, batch[:2])
	require.NoError(t, err)
	require.Equal(t, store.UpsertResult{Unchanged: 2}, res)
	require.Zero(t, res.Collected())

	edited := batch[1]
	edited.Body = "actually great"
	res, err = s.UpsertRecords(ctx, []feedback.Record{edited})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)

	n, err := s.CountBySource(ctx, owner, feedback.SourceAppStore)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = s.CountBySource(ctx, owner, feedback.SourceReddit)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecordStoreLabelGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore()
	owner := uuid.New()
	_, err := s.UpsertRecords(ctx, []feedback.Record{
		{OwnerID: owner, NativeID: "reddit:a", Source: feedback.SourceReddit, Body: "first"},
		{OwnerID: owner, NativeID: "reddit:b", Source: feedback.SourceReddit, Body: "second"},
	})
	require.NoError(t, err)

	pending, err := s.ListUnlabeled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Less(t, pending[0].ID, pending[1].ID)

	ok, err := s.LabelIfUnlabeled(ctx, pending[0].ID, "positive", "praise")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.LabelIfUnlabeled(ctx, pending[0].ID, "negative", "bug")
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := s.GetRecord(ctx, pending[0].ID)
	require.NoError(t, err)
	require.Equal(t, "positive", *rec.Sentiment)

	n, err := s.CountUnlabeled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err = s.SetEmbeddingIfMissing(ctx, rec.ID, []float32{0.1, 0.2})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.SetEmbeddingIfMissing(ctx, rec.ID, []float32{0.3, 0.4})
	require.NoError(t, err)
	require.False(t, ok)

	missing, err := s.ListMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
}

func TestOwnerStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewOwnerStore()
	owner := feedback.Owner{ID: uuid.New(), CompanyName: "Acme"}
	require.NoError(t, s.CreateOwner(ctx, owner))
	require.ErrorIs(t, s.CreateOwner(ctx, owner), store.ErrConflict)

	owner.AppStoreID = "123"
	require.NoError(t, s.UpdateOwner(ctx, owner))
	got, err := s.GetOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, "123", got.AppStoreID)

	_, err = s.GetOwner(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	uri, err := s.PutObject(context.Background(), "raw/a.jsonl", "application/x-ndjson", strings.NewReader("{}\n"))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/a.jsonl", uri)

	data, contentType, ok := s.Object("raw/a.jsonl")
	require.True(t, ok)
	require.Equal(t, "{}\n", string(data))
	require.Equal(t, "application/x-ndjson", contentType)
	require.Equal(t, []string{"raw/a.jsonl"}, s.Paths())
}
