package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/feedback-pipeline/internal/metrics"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
)

// PrometheusSink derives run-level metrics from progress events. Outcome
// counters go through the metrics package; the running gauge and duration
// histograms are registered on the supplied registry.
type PrometheusSink struct {
	runsRunning     prometheus.Gauge
	runDuration     *prometheus.HistogramVec
	substepDuration *prometheus.HistogramVec
	batchRecords    *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedback_pipeline_runs_running",
			Help: "Pipeline runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedback_pipeline_run_duration_seconds",
			Help:    "Wall time of pipeline invocations by result.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		substepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedback_substep_duration_seconds",
			Help:    "Wall time of ingestion sub-steps by source and result.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"source", "result"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_batch_records_total",
			Help: "Records in committed adapter batches by source and outcome.",
		}, []string{"source", "outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsRunning,
		s.runDuration,
		s.substepDuration,
		s.batchRecords,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		if s.tracker.start(evt.OwnerID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone, progress.StageRunFailed, progress.StageRunRetry:
		result := runResult(evt.Stage)
		metrics.ObservePipelineRun(result)
		if evt.Stage == progress.StageRunRetry {
			metrics.ObservePipelineRetry()
		}
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.finish(evt.OwnerID) {
			s.runsRunning.Dec()
		}
	case progress.StageSubstepDone, progress.StageSubstepFailed:
		result := "completed"
		if evt.Stage == progress.StageSubstepFailed {
			result = "failed"
		}
		metrics.ObserveSubstep(string(evt.Source), result)
		if evt.Dur > 0 {
			s.substepDuration.WithLabelValues(string(evt.Source), result).Observe(evt.Dur.Seconds())
		}
	case progress.StageBatch:
		src := string(evt.Source)
		s.batchRecords.WithLabelValues(src, "inserted").Add(float64(evt.Inserted))
		s.batchRecords.WithLabelValues(src, "updated").Add(float64(evt.Updated))
		s.batchRecords.WithLabelValues(src, "unchanged").Add(float64(evt.Unchanged))
	}
}

func runResult(stage progress.Stage) string {
	switch stage {
	case progress.StageRunDone:
		return "completed"
	case progress.StageRunFailed:
		return "failed"
	default:
		return "retry"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runTracker keeps the running gauge honest when start or finish events
// are repeated by redelivered runs.
type runTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *runTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
