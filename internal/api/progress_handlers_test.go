package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/storage/memory"
)

func newProgressFixture(t *testing.T) (*ProgressHandler, *ledger.Service, *memory.RecordStore) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)}
	svc := ledger.New(memory.NewLedgerStore(), clock, zap.NewNop())
	records := memory.NewRecordStore()
	return NewProgressHandler(svc, records, zap.NewNop()), svc, records
}

func TestProgressHandlerGetProgress(t *testing.T) {
	t.Parallel()

	handler, svc, records := newProgressFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()
	_, err := svc.Initialize(ctx, ownerID)
	require.NoError(t, err)
	_, err = svc.StartIngestion(ctx, ownerID)
	require.NoError(t, err)
	_, err = svc.MarkSubstep(ctx, ownerID, feedback.SourceAppStore, feedback.StatusCompleted, "")
	require.NoError(t, err)
	_, err = svc.MarkSubstep(ctx, ownerID, feedback.SourceGooglePlay, feedback.StatusFailed, "timeout")
	require.NoError(t, err)
	_, err = svc.Update(ctx, ownerID, func(l *feedback.Ledger) error {
		if err := l.RecordFailure("ingestion.google_play", "timeout"); err != nil {
			return err
		}
		_, err := l.IncrementRetry()
		return err
	})
	require.NoError(t, err)
	_, err = records.UpsertRecords(ctx, []feedback.Record{
		{OwnerID: ownerID, NativeID: "app_store:1", Source: feedback.SourceAppStore, Body: "a"},
		{OwnerID: ownerID, NativeID: "app_store:2", Source: feedback.SourceAppStore, Body: "b"},
	})
	require.NoError(t, err)

	req := withOwnerIDParam(httptest.NewRequest(http.MethodGet, "/v1/owners/x/progress", nil), ownerID.String())
	rec := httptest.NewRecorder()
	handler.GetProgress(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body progressDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "pending", body.OverallStatus)
	require.Equal(t, 1, body.CurrentStep)
	require.Equal(t, substepsDTO{
		Substep1: "completed",
		Substep2: "failed",
		Substep3: "pending",
		Substep4: "pending",
		Substep5: "pending",
	}, body.StepStatus.Step1Substeps)
	require.Equal(t, "pending", body.StepStatus.Step2)
	require.Equal(t, 2, body.RecordCount)
	require.Equal(t, 1, body.RetryCount)
	require.Equal(t, "ingestion.google_play", body.FailedStep)
}

func TestProgressHandlerNotStarted(t *testing.T) {
	t.Parallel()

	handler, _, _ := newProgressFixture(t)
	req := withOwnerIDParam(httptest.NewRequest(http.MethodGet, "/", nil), uuid.NewString())
	rec := httptest.NewRecorder()
	handler.GetProgress(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), `"overall_status":"not_started"`)
}

func TestProgressHandlerInvalidOwnerID(t *testing.T) {
	t.Parallel()

	handler, _, _ := newProgressFixture(t)
	req := withOwnerIDParam(httptest.NewRequest(http.MethodGet, "/", nil), "nope")
	rec := httptest.NewRecorder()
	handler.GetProgress(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerListLedgers(t *testing.T) {
	t.Parallel()

	handler, svc, _ := newProgressFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()
	_, err := svc.Initialize(ctx, ownerID)
	require.NoError(t, err)
	_, err = svc.SetOverall(ctx, ownerID, feedback.OverallFailed, "boom")
	require.NoError(t, err)
	_, err = svc.Supersede(ctx, ownerID)
	require.NoError(t, err)

	req := withOwnerIDParam(httptest.NewRequest(http.MethodGet, "/", nil), ownerID.String())
	rec := httptest.NewRecorder()
	handler.ListLedgers(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Ledgers []ledgerDTO `json:"ledgers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Ledgers, 2)
	require.Equal(t, 2, body.Ledgers[0].Generation)
	require.Equal(t, "pending", body.Ledgers[0].OverallStatus)
	require.Equal(t, "failed", body.Ledgers[1].OverallStatus)
	require.Equal(t, "boom", body.Ledgers[1].LastError)
}

func TestProgressHandlerUnavailable(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	handler.GetProgress(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func withOwnerIDParam(r *http.Request, ownerID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("owner_id", ownerID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
