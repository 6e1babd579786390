package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	owner := uuid.New()
	now := time.Now()
	batch := []progress.Event{
		{OwnerID: owner, TS: now, Stage: progress.StageRunStart},
		{OwnerID: owner, TS: now, Stage: progress.StageRunStart},
		{
			OwnerID: owner, TS: now, Stage: progress.StageBatch, Source: feedback.SourceAppStore,
			Inserted: 40, Updated: 2, Unchanged: 8,
		},
		{
			OwnerID: owner, TS: now, Stage: progress.StageSubstepDone, Source: feedback.SourceAppStore,
			Dur: 3 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 40.0, testutil.ToFloat64(sink.batchRecords.WithLabelValues("app_store", "inserted")))
	require.Equal(t, 8.0, testutil.ToFloat64(sink.batchRecords.WithLabelValues("app_store", "unchanged")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.substepDuration, "feedback_substep_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{OwnerID: owner, TS: now, Stage: progress.StageRunDone, Dur: time.Minute},
		{OwnerID: owner, TS: now, Stage: progress.StageRunDone, Dur: time.Minute},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "feedback_pipeline_run_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
