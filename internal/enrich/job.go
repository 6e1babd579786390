// Package enrich labels stored feedback with sentiment and category and
// backfills vector embeddings. The job is global across owners; every write
// is guarded so concurrent passes never overwrite existing values.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/metrics"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
	"github.com/JakeFAU/feedback-pipeline/internal/telemetry"
)

// Defaults applied when Config fields are zero.
const (
	DefaultBatchSize        = 1500
	DefaultMaxStalledPasses = 3
	DefaultEmbedBatchSize   = 100
	DefaultDimension        = 384
)

// ErrDimensionMismatch is returned when the embedder yields vectors of an
// unexpected size.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Config bounds a Job.
type Config struct {
	BatchSize        int
	MaxStalledPasses int
	EmbedBatchSize   int
	Dimension        int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxStalledPasses <= 0 {
		c.MaxStalledPasses = DefaultMaxStalledPasses
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	return c
}

// Result summarizes one Run.
type Result struct {
	Passes    int
	Labeled   int
	Unknown   int
	Embedded  int
	Remaining int
}

// Job drives the labeling loop followed by the embedding backfill.
type Job struct {
	cfg        Config
	records    store.RecordRepository
	classifier feedback.Classifier
	embedder   feedback.Embedder
	emitter    progress.Emitter
	tracer     trace.Tracer
	clock      feedback.Clock
	logger     *zap.Logger
}

// Option customizes a Job.
type Option func(*Job)

// WithEmbedder enables the embedding backfill.
func WithEmbedder(e feedback.Embedder) Option {
	return func(j *Job) { j.embedder = e }
}

// WithEmitter reports one event per labeling pass.
func WithEmitter(e progress.Emitter) Option {
	return func(j *Job) { j.emitter = e }
}

// WithTracer replaces the global tracer for pass spans.
func WithTracer(t trace.Tracer) Option {
	return func(j *Job) { j.tracer = t }
}

// NewJob builds a Job around an explicitly constructed classifier.
func NewJob(
	cfg Config,
	records store.RecordRepository,
	classifier feedback.Classifier,
	clock feedback.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Job{
		cfg:        cfg.withDefaults(),
		records:    records,
		classifier: classifier,
		tracer:     telemetry.Tracer(),
		clock:      clock,
		logger:     logger.Named("enrich"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run labels every unlabeled record it can, then embeds records lacking a
// vector. Classifier failures are logged and retried on the next pass;
// store and embedder failures abort the run.
func (j *Job) Run(ctx context.Context) (Result, error) {
	res, err := j.Label(ctx)
	if err != nil {
		return res, err
	}
	embedded, err := j.Embed(ctx)
	res.Embedded = embedded
	return res, err
}

// Label runs classification passes until nothing is left, a short batch is
// seen twice in a row, or MaxStalledPasses passes in a row label nothing.
func (j *Job) Label(ctx context.Context) (Result, error) {
	var res Result
	remaining, err := j.records.CountUnlabeled(ctx)
	if err != nil {
		return res, fmt.Errorf("count unlabeled: %w", err)
	}
	res.Remaining = remaining
	if remaining == 0 {
		j.logger.Info("no unlabeled records")
		return res, nil
	}
	if j.classifier == nil {
		return res, errors.New("classifier is not configured")
	}

	shortBatches, stalled := 0, 0
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := j.records.ListUnlabeled(ctx, j.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list unlabeled: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		started := j.clock.Now()
		passCtx, span := j.tracer.Start(ctx, "enrich.label_pass", trace.WithAttributes(
			attribute.Int("pass", res.Passes+1),
			attribute.Int("batch", len(batch)),
		))
		labeled, unknown, err := j.labelBatch(passCtx, batch)
		span.SetAttributes(attribute.Int("labeled", labeled), attribute.Int("unknown", unknown))
		telemetry.End(span, err)
		res.Labeled += labeled
		res.Unknown += unknown
		if err != nil {
			return res, err
		}
		res.Passes++

		remaining, err = j.records.CountUnlabeled(ctx)
		if err != nil {
			return res, fmt.Errorf("count unlabeled: %w", err)
		}
		res.Remaining = remaining
		j.emit(progress.Event{
			Stage: progress.StageEnrichPass, Step: feedback.StepEnrichment,
			Labeled: int64(labeled), Dur: j.clock.Now().Sub(started),
		})
		j.logger.Info("labeling pass finished",
			zap.Int("pass", res.Passes),
			zap.Int("batch", len(batch)),
			zap.Int("labeled", labeled),
			zap.Int("unknown", unknown),
			zap.Int("remaining", remaining),
		)

		if len(batch) < j.cfg.BatchSize {
			shortBatches++
			if shortBatches >= 2 {
				break
			}
		} else {
			shortBatches = 0
		}
		if labeled == 0 {
			stalled++
			if stalled >= j.cfg.MaxStalledPasses {
				j.logger.Warn("labeling stalled", zap.Int("passes", stalled), zap.Int("remaining", remaining))
				break
			}
		} else {
			stalled = 0
		}
	}
	return res, nil
}

func (j *Job) labelBatch(ctx context.Context, batch []feedback.Record) (int, int, error) {
	items := make([]feedback.ClassifyItem, len(batch))
	for i, rec := range batch {
		items[i] = feedback.ClassifyItem{ID: rec.ID, NativeID: rec.NativeID, Text: classifyText(rec)}
	}
	labels, err := j.classifier.Classify(ctx, items)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		metrics.ObserveClassifierBatch("error")
		j.logger.Error("classifier batch failed", zap.Int("items", len(items)), zap.Error(err))
		return 0, 0, nil
	}
	metrics.ObserveClassifierBatch("ok")

	labeled, unknown := 0, 0
	for _, label := range labels {
		rec, err := j.records.GetRecord(ctx, label.ID)
		if errors.Is(err, store.ErrNotFound) {
			unknown++
			metrics.ObserveLabel("unknown")
			j.logger.Warn("classifier returned unknown record id", zap.Int64("id", label.ID))
			continue
		}
		if err != nil {
			return labeled, unknown, fmt.Errorf("load record %d: %w", label.ID, err)
		}
		if rec.Labeled() {
			metrics.ObserveLabel("already_labeled")
			continue
		}
		written, err := j.records.LabelIfUnlabeled(ctx, rec.ID, label.Sentiment, label.Category)
		if err != nil {
			return labeled, unknown, fmt.Errorf("label record %d: %w", rec.ID, err)
		}
		if !written {
			metrics.ObserveLabel("already_labeled")
			continue
		}
		labeled++
		metrics.ObserveLabel("written")
	}
	return labeled, unknown, nil
}

// Embed backfills vectors for records that lack one.
func (j *Job) Embed(ctx context.Context) (int, error) {
	if j.embedder == nil {
		return 0, nil
	}
	if dim := j.embedder.Dimension(); dim != j.cfg.Dimension {
		return 0, fmt.Errorf("embedder yields %d, store expects %d: %w", dim, j.cfg.Dimension, ErrDimensionMismatch)
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := j.records.ListMissingEmbedding(ctx, j.cfg.EmbedBatchSize)
		if err != nil {
			return total, fmt.Errorf("list missing embeddings: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		started := j.clock.Now()
		passCtx, span := j.tracer.Start(ctx, "enrich.embed_pass", trace.WithAttributes(
			attribute.Int("batch", len(batch)),
		))
		written, err := j.embedBatch(passCtx, batch)
		span.SetAttributes(attribute.Int("embedded", written))
		telemetry.End(span, err)
		total += written
		if err != nil {
			return total, err
		}
		metrics.ObserveEmbeddings(written)
		j.emit(progress.Event{
			Stage: progress.StageEnrichPass, Step: feedback.StepEnrichment,
			Embedded: int64(written), Dur: j.clock.Now().Sub(started),
		})
		if written == 0 || len(batch) < j.cfg.EmbedBatchSize {
			break
		}
	}
	j.logger.Info("embedding backfill finished", zap.Int("embedded", total))
	return total, nil
}

func (j *Job) embedBatch(ctx context.Context, batch []feedback.Record) (int, error) {
	texts := make([]string, len(batch))
	for i, rec := range batch {
		texts[i] = classifyText(rec)
	}
	vectors, err := j.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vectors) != len(batch) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	written := 0
	for i, vec := range vectors {
		if len(vec) != j.cfg.Dimension {
			return written, fmt.Errorf("record %d has %d values: %w", batch[i].ID, len(vec), ErrDimensionMismatch)
		}
		ok, err := j.records.SetEmbeddingIfMissing(ctx, batch[i].ID, vec)
		if err != nil {
			return written, fmt.Errorf("store embedding %d: %w", batch[i].ID, err)
		}
		if ok {
			written++
		}
	}
	return written, nil
}

func (j *Job) emit(evt progress.Event) {
	evt.TS = j.clock.Now()
	progress.Emit(j.emitter, evt)
}

// classifyText joins the title and body the way reviewers read them.
func classifyText(rec feedback.Record) string {
	if rec.Title == "" {
		return rec.Body
	}
	if rec.Body == "" {
		return rec.Title
	}
	return rec.Title + "\n" + rec.Body
}
