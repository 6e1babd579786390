package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

var ledgerRowColumns = []string{
	"owner_id", "generation", "overall_status", "current_step", "step_status",
	"retry_count", "failed_step", "last_error", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewStoreWithPool(mock, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func ledgerRow(t *testing.T, l feedback.Ledger) *pgxmock.Rows {
	t.Helper()
	doc, err := json.Marshal(l.Steps)
	require.NoError(t, err)
	return pgxmock.NewRows(ledgerRowColumns).AddRow(
		l.OwnerID.String(),
		l.Generation,
		string(l.OverallStatus),
		int(l.CurrentStep),
		doc,
		l.RetryCount,
		l.FailedStep,
		l.LastError,
		l.CreatedAt,
		l.UpdatedAt,
	)
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStoreWithPool(nil, nil)
	require.Error(t, err)
}

func TestGetLedgerDecodesRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	want := feedback.NewLedger(owner, 2, now)
	want.Steps.Ingestion.Reddit.Cursor = feedback.Cursor{Token: "t3_abc"}
	want.RetryCount = 1

	mock.ExpectQuery("FROM progress_ledgers").
		WithArgs(owner).
		WillReturnRows(ledgerRow(t, want))

	got, err := s.GetLedger(context.Background(), owner)
	require.NoError(t, err)
	require.Equal(t, owner, got.OwnerID)
	require.Equal(t, 2, got.Generation)
	require.Equal(t, feedback.OverallPending, got.OverallStatus)
	require.Equal(t, "t3_abc", got.Steps.Ingestion.Reddit.Cursor.Token)
	require.Equal(t, 1, got.RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLedgerMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	mock.ExpectQuery("FROM progress_ledgers").
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows(ledgerRowColumns))

	_, err := s.GetLedger(context.Background(), owner)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectInsertLedger(mock pgxmock.PgxPoolIface, owner uuid.UUID, generation int, at time.Time) *pgxmock.ExpectedExec {
	return mock.ExpectExec("INSERT INTO progress_ledgers").
		WithArgs(owner, generation, "pending", 1, pgxmock.AnyArg(), 0, "", "", at, at)
}

func TestRotateLedgerRetiresActiveGeneration(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"generation"}).AddRow(2))
	mock.ExpectExec("SET superseded_at").
		WithArgs(owner, 2, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`MAX\(generation\)`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(3))
	expectInsertLedger(mock, owner, 3, at).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := s.RotateLedger(context.Background(), owner, 2, at)
	require.NoError(t, err)
	require.Equal(t, 3, got.Generation)
	require.Equal(t, feedback.OverallPending, got.OverallStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateLedgerNumbersPastRetiredRows(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	// Generation 1 was retired but its successor was never written.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"generation"}))
	mock.ExpectQuery(`MAX\(generation\)`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(2))
	expectInsertLedger(mock, owner, 2, at).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := s.RotateLedger(context.Background(), owner, 0, at)
	require.NoError(t, err)
	require.Equal(t, 2, got.Generation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateLedgerRejectsUnexpectedGeneration(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"generation"}).AddRow(4))
	mock.ExpectRollback()

	_, err := s.RotateLedger(context.Background(), owner, 3, time.Unix(0, 0).UTC())
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateLedgerMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	at := time.Unix(0, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"generation"}))
	mock.ExpectQuery(`MAX\(generation\)`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(1))
	expectInsertLedger(mock, owner, 1, at).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.RotateLedger(context.Background(), owner, 0, at)
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLedgerCommitsMutation(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	current := feedback.NewLedger(owner, 1, now)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(owner).
		WillReturnRows(ledgerRow(t, current))
	mock.ExpectExec("UPDATE progress_ledgers").
		WithArgs(
			owner, 1, "in_progress", 1, pgxmock.AnyArg(),
			0, "", "", pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.UpdateLedger(context.Background(), owner, func(l *feedback.Ledger) error {
		return l.SetOverall(feedback.OverallInProgress, "")
	})
	require.NoError(t, err)
	require.Equal(t, feedback.OverallInProgress, got.OverallStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLedgerRollsBackOnCallbackError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	current := feedback.NewLedger(owner, 1, time.Unix(0, 0).UTC())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(owner).
		WillReturnRows(ledgerRow(t, current))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := s.UpdateLedger(context.Background(), owner, func(*feedback.Ledger) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordsClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	posted := time.Unix(1690000000, 0).UTC()
	rating := 4.0
	records := []feedback.Record{
		{OwnerID: owner, NativeID: "app_store:1", Source: feedback.SourceAppStore, PostedAt: posted, Rating: &rating, Body: "new"},
		{OwnerID: owner, NativeID: "app_store:2", Source: feedback.SourceAppStore, PostedAt: posted, Body: "edited"},
		{OwnerID: owner, NativeID: "app_store:3", Source: feedback.SourceAppStore, PostedAt: posted, Body: "same"},
		{OwnerID: owner, NativeID: "app_store:4", Source: feedback.SourceAppStore, PostedAt: posted, Body: ""},
		{OwnerID: owner, Source: feedback.SourceAppStore, Body: "no id"},
	}

	anyArgs := func(nativeID string) []any {
		return []any{
			owner, nativeID, "app_store", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		}
	}
	mock.ExpectQuery("INSERT INTO feedback_records").
		WithArgs(anyArgs("app_store:1")...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO feedback_records").
		WithArgs(anyArgs("app_store:2")...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO feedback_records").
		WithArgs(anyArgs("app_store:3")...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}))
	mock.ExpectQuery("INSERT INTO feedback_records").
		WithArgs(anyArgs("app_store:4")...).
		WillReturnError(&pgconn.PgError{Code: "23514"})

	res, err := s.UpsertRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, store.UpsertResult{Inserted: 1, Updated: 1, Unchanged: 1, Skipped: 2}, res)
	require.Equal(t, 2, res.Collected())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordsPropagatesOtherErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	mock.ExpectQuery("INSERT INTO feedback_records").
		WillReturnError(errors.New("connection reset"))

	_, err := s.UpsertRecords(context.Background(), []feedback.Record{
		{OwnerID: owner, NativeID: "reddit:x", Source: feedback.SourceReddit, Body: "hi"},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLabelIfUnlabeledReportsGuard(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("WHERE id = \\$1 AND sentiment IS NULL").
		WithArgs(int64(7), "positive", "praise").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("WHERE id = \\$1 AND sentiment IS NULL").
		WithArgs(int64(7), "negative", "bug").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.LabelIfUnlabeled(context.Background(), 7, "positive", "praise")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.LabelIfUnlabeled(context.Background(), 7, "negative", "bug")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnlabeledScansRecords(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	title := "Great app"
	rows := pgxmock.NewRows([]string{
		"id", "owner_id", "native_id", "source", "posted_at", "rating", "body",
		"title", "author", "url", "raw_comments", "language", "sentiment", "category",
		"embedding", "created_at",
	}).AddRow(
		int64(11), owner.String(), "app_store:9", "app_store", now, (*float64)(nil), "works well",
		&title, (*string)(nil), "https://apps.apple.com", []byte(`[]`), "en", (*string)(nil), (*string)(nil),
		[]float32(nil), now,
	)
	mock.ExpectQuery("WHERE sentiment IS NULL ORDER BY id").
		WithArgs(50).
		WillReturnRows(rows)

	got, err := s.ListUnlabeled(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(11), got[0].ID)
	require.Equal(t, owner, got[0].OwnerID)
	require.Equal(t, feedback.SourceAppStore, got[0].Source)
	require.Equal(t, "Great app", got[0].Title)
	require.Empty(t, got[0].Author)
	require.False(t, got[0].Labeled())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountBySource(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	owner := uuid.New()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(owner, "twitter").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := s.CountBySource(context.Background(), owner, feedback.SourceTwitter)
	require.NoError(t, err)
	require.Equal(t, 42, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOwnerMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM owners").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetOwner(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	for range schemaStatements(DefaultEmbeddingDim) {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, s.Migrate(context.Background(), 0))
	require.NoError(t, mock.ExpectationsWereMet())
}
