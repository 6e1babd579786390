// Package ingest runs the ingestion step: one sub-step per source, in fixed
// priority order, each resuming from the cursor persisted in the ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/metrics"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
	"github.com/JakeFAU/feedback-pipeline/internal/telemetry"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultTarget          = 2000
	DefaultTwitterTarget   = 1000
	DefaultBatchSize       = 1000
	DefaultBatchPause      = time.Second
	DefaultMaxStaleBatches = 3
)

// SourceSettings overrides the collection target and batch size for one source.
type SourceSettings struct {
	Target    int
	BatchSize int
}

// Config controls collection volume and pacing.
type Config struct {
	Sources      map[feedback.Source]SourceSettings
	BatchPause   time.Duration
	SubstepPause time.Duration
	// MaxStaleBatches ends a sub-step after this many consecutive batches
	// that add no rows. Zero disables the check.
	MaxStaleBatches int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Sources: map[feedback.Source]SourceSettings{
			feedback.SourceTwitter: {Target: DefaultTwitterTarget},
		},
		BatchPause:      DefaultBatchPause,
		SubstepPause:    DefaultBatchPause,
		MaxStaleBatches: DefaultMaxStaleBatches,
	}
}

func (c Config) settings(src feedback.Source) SourceSettings {
	s := c.Sources[src]
	if s.Target <= 0 {
		s.Target = DefaultTarget
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	return s
}

// SubstepError reports which source stopped the ingestion step.
type SubstepError struct {
	Source feedback.Source
	Err    error
}

func (e *SubstepError) Error() string {
	return fmt.Sprintf("ingestion.%s: %v", e.Source, e.Err)
}

func (e *SubstepError) Unwrap() error {
	return e.Err
}

// AdapterLookup resolves the adapter for a source.
type AdapterLookup interface {
	Adapter(src feedback.Source) (feedback.SourceAdapter, bool)
}

// Runner executes the ingestion step for one owner at a time.
type Runner struct {
	cfg      Config
	ledger   *ledger.Service
	records  store.RecordRepository
	adapters AdapterLookup
	archiver *Archiver
	emitter  progress.Emitter
	tracer   trace.Tracer
	clock    feedback.Clock
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// Option customizes a Runner.
type Option func(*Runner)

// WithArchiver stores a JSONL copy of every committed batch.
func WithArchiver(a *Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithEmitter reports sub-step and batch events.
func WithEmitter(e progress.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithTracer replaces the global tracer for sub-step spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner builds a Runner.
func NewRunner(
	cfg Config,
	ledgerSvc *ledger.Service,
	records store.RecordRepository,
	adapters AdapterLookup,
	clock feedback.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:      cfg,
		ledger:   ledgerSvc,
		records:  records,
		adapters: adapters,
		clock:    clock,
		tracer:   telemetry.Tracer(),
		logger:   logger.Named("ingest"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run walks every sub-step in priority order. Completed sub-steps are
// skipped. The first failing sub-step is marked failed and its error is
// returned as a *SubstepError; later sub-steps stay pending.
func (r *Runner) Run(ctx context.Context, owner feedback.Owner) error {
	l, err := r.ledger.StartIngestion(ctx, owner.ID)
	if err != nil {
		return err
	}
	ran := false
	for _, src := range feedback.Sources() {
		slot := *l.Steps.Ingestion.Slot(src)
		if slot.Status == feedback.StatusCompleted {
			r.logger.Debug("sub-step already completed",
				zap.String("owner_id", owner.ID.String()), zap.String("source", string(src)))
			continue
		}
		if ran {
			if err := r.sleep(ctx, r.cfg.SubstepPause); err != nil {
				return err
			}
		}
		ran = true

		started := r.clock.Now()
		r.emit(progress.Event{OwnerID: owner.ID, Generation: l.Generation, Stage: progress.StageSubstepStart, Source: src})
		subCtx, span := r.tracer.Start(ctx, "ingest.substep", trace.WithAttributes(
			attribute.String("owner_id", owner.ID.String()),
			attribute.Int("generation", l.Generation),
			attribute.String("source", string(src)),
		))
		collected, runErr := r.runSubstep(subCtx, owner, src, slot.Cursor)
		span.SetAttributes(attribute.Int("collected", collected))
		telemetry.End(span, runErr)
		if runErr != nil {
			if ctx.Err() != nil {
				// Shutdown, not a source failure; the sub-step resumes on redelivery.
				return fmt.Errorf("ingestion.%s interrupted: %w", src, ctx.Err())
			}
			r.logger.Error("sub-step failed",
				zap.String("owner_id", owner.ID.String()),
				zap.String("source", string(src)),
				zap.Error(runErr),
			)
			if _, err := r.ledger.MarkSubstep(ctx, owner.ID, src, feedback.StatusFailed, runErr.Error()); err != nil {
				return errors.Join(&SubstepError{Source: src, Err: runErr}, err)
			}
			r.emit(progress.Event{
				OwnerID: owner.ID, Generation: l.Generation, Stage: progress.StageSubstepFailed, Source: src,
				Dur: r.clock.Now().Sub(started), Note: runErr.Error(),
			})
			return &SubstepError{Source: src, Err: runErr}
		}
		if _, err := r.ledger.MarkSubstep(ctx, owner.ID, src, feedback.StatusCompleted, ""); err != nil {
			return err
		}
		r.logger.Info("sub-step completed",
			zap.String("owner_id", owner.ID.String()),
			zap.String("source", string(src)),
			zap.Int("collected", collected),
		)
		r.emit(progress.Event{
			OwnerID: owner.ID, Generation: l.Generation, Stage: progress.StageSubstepDone, Source: src,
			Inserted: int64(collected), Dur: r.clock.Now().Sub(started),
		})
	}
	return nil
}

// runSubstep pulls batches until the target is met, the adapter is
// exhausted, or too many batches in a row add nothing.
func (r *Runner) runSubstep(
	ctx context.Context,
	owner feedback.Owner,
	src feedback.Source,
	cursor feedback.Cursor,
) (int, error) {
	adapter, ok := r.adapters.Adapter(src)
	if !ok {
		return 0, fmt.Errorf("no adapter registered for %s", src)
	}
	settings := r.cfg.settings(src)
	collected, err := r.records.CountBySource(ctx, owner.ID, src)
	if err != nil {
		return 0, fmt.Errorf("count stored records: %w", err)
	}

	stale := 0
	for batchNo := 0; collected < settings.Target; batchNo++ {
		if batchNo > 0 {
			if err := r.sleep(ctx, r.cfg.BatchPause); err != nil {
				return collected, err
			}
		}
		want := min(settings.BatchSize, settings.Target-collected)
		batch, err := adapter.Fetch(ctx, owner, cursor, want)
		if err != nil {
			return collected, err
		}
		for i := range batch.Records {
			batch.Records[i].OwnerID = owner.ID
			batch.Records[i].Source = src
		}
		res, err := r.records.UpsertRecords(ctx, batch.Records)
		if err != nil {
			return collected, fmt.Errorf("store batch: %w", err)
		}
		r.archive(ctx, owner, src, batch.Records)
		collected += res.Collected()
		cursor = batch.Next
		l, err := r.ledger.SaveCursor(ctx, owner.ID, src, cursor, collected)
		if err != nil {
			return collected, err
		}
		metrics.ObserveUpsert(string(src), res.Inserted, res.Updated, res.Unchanged, res.Skipped)
		r.emit(progress.Event{
			OwnerID: owner.ID, Generation: l.Generation, Stage: progress.StageBatch, Source: src,
			Inserted: int64(res.Inserted), Updated: int64(res.Updated), Unchanged: int64(res.Unchanged),
		})
		r.logger.Debug("batch committed",
			zap.String("owner_id", owner.ID.String()),
			zap.String("source", string(src)),
			zap.Int("fetched", len(batch.Records)),
			zap.Int("inserted", res.Inserted),
			zap.Int("updated", res.Updated),
			zap.Int("unchanged", res.Unchanged),
			zap.Int("skipped", res.Skipped),
			zap.Int("collected", collected),
			zap.Int("target", settings.Target),
		)

		if batch.Exhausted {
			break
		}
		if res.Collected() == 0 {
			stale++
			if r.cfg.MaxStaleBatches > 0 && stale >= r.cfg.MaxStaleBatches {
				r.logger.Warn("sub-step stalled, stopping early",
					zap.String("owner_id", owner.ID.String()),
					zap.String("source", string(src)),
					zap.Int("stale_batches", stale),
				)
				break
			}
		} else {
			stale = 0
		}
	}
	return collected, nil
}

func (r *Runner) archive(ctx context.Context, owner feedback.Owner, src feedback.Source, records []feedback.Record) {
	if r.archiver == nil || len(records) == 0 {
		return
	}
	uri, err := r.archiver.Archive(ctx, owner.ID, src, records)
	if err != nil {
		r.logger.Warn("archive batch failed",
			zap.String("owner_id", owner.ID.String()), zap.String("source", string(src)), zap.Error(err))
		return
	}
	r.logger.Debug("batch archived", zap.String("uri", uri))
}

func (r *Runner) emit(evt progress.Event) {
	evt.TS = r.clock.Now()
	progress.Emit(r.emitter, evt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
