// Package pipeline drives an owner's ledger through the ordered top-level
// steps, retrying the whole run after a fixed delay until the retry budget
// is spent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
	"github.com/JakeFAU/feedback-pipeline/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 300 * time.Second
)

// ErrRunFailed is returned once a run has exhausted its retries or hit a
// fatal error. The ledger holds the details.
var ErrRunFailed = errors.New("pipeline run failed")

// Config bounds retries.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, RetryDelay: DefaultRetryDelay}
}

// Steps binds a handler to every top-level step.
type Steps map[feedback.Step]StepHandler

// Orchestrator runs pipelines. It is safe for concurrent use across owners;
// callers guarantee a single writer per owner.
type Orchestrator struct {
	cfg     Config
	ledger  *ledger.Service
	owners  store.OwnerRepository
	steps   Steps
	clock   feedback.Clock
	logger  *zap.Logger
	emitter progress.Emitter
	tracer  trace.Tracer
	sleep   func(context.Context, time.Duration) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter reports run and step events.
func WithEmitter(e progress.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithTracer replaces the global tracer for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithSleep replaces the retry wait (primarily for testing).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New builds an Orchestrator. Every step from StepIngestion to LastStep
// must have a handler.
func New(
	cfg Config,
	ledgerSvc *ledger.Service,
	owners store.OwnerRepository,
	steps Steps,
	clock feedback.Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	for step := feedback.StepIngestion; step <= feedback.LastStep; step++ {
		if steps[step] == nil {
			return nil, fmt.Errorf("no handler for step %s", step)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		ledger: ledgerSvc,
		owners: owners,
		steps:  steps,
		clock:  clock,
		logger: logger.Named("pipeline"),
		tracer: telemetry.Tracer(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run drives the owner's pipeline to completion or terminal failure.
// Completed and failed ledgers are left untouched. Cancellation returns the
// context error without recording a failure so redelivery can resume.
func (o *Orchestrator) Run(ctx context.Context, ownerID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("owner_id", ownerID.String()),
	))
	err := o.run(ctx, ownerID)
	telemetry.End(span, err)
	return err
}

func (o *Orchestrator) run(ctx context.Context, ownerID uuid.UUID) error {
	owner, err := o.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load owner %s: %w", ownerID, err)
	}
	l, err := o.ledger.Get(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		l, err = o.ledger.Initialize(ctx, ownerID)
	}
	if err != nil {
		return err
	}
	logger := o.logger.With(zap.String("owner_id", ownerID.String()), zap.Int("generation", l.Generation))
	switch l.OverallStatus {
	case feedback.OverallCompleted:
		logger.Info("pipeline already completed")
		return nil
	case feedback.OverallFailed:
		logger.Info("pipeline failed earlier; reset required")
		return nil
	}

	started := o.clock.Now()
	o.emit(progress.Event{OwnerID: ownerID, Generation: l.Generation, Stage: progress.StageRunStart, Attempt: l.RetryCount})
	for {
		if l.OverallStatus != feedback.OverallInProgress {
			if l, err = o.ledger.SetOverall(ctx, ownerID, feedback.OverallInProgress, ""); err != nil {
				return err
			}
		}
		step, res := o.runSteps(ctx, owner, l)
		if res.Outcome == OutcomeOK {
			if _, err := o.ledger.SetOverall(ctx, ownerID, feedback.OverallCompleted, ""); err != nil {
				return err
			}
			logger.Info("pipeline completed", zap.Duration("took", o.clock.Now().Sub(started)))
			o.emit(progress.Event{
				OwnerID: ownerID, Generation: l.Generation, Stage: progress.StageRunDone,
				Attempt: l.RetryCount, Dur: o.clock.Now().Sub(started),
			})
			return nil
		}
		if ctx.Err() != nil {
			logger.Info("pipeline interrupted", zap.Stringer("step", step), zap.Error(res.Err))
			return fmt.Errorf("pipeline interrupted: %w", ctx.Err())
		}

		failedStep, src := failedStepName(step, res.Err)
		errText := errorText(res.Err)
		l, err = o.ledger.Update(ctx, ownerID, func(l *feedback.Ledger) error {
			if err := l.RecordFailure(failedStep, errText); err != nil {
				return err
			}
			if res.Outcome == OutcomeRetryable {
				if _, err := l.IncrementRetry(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if res.Outcome == OutcomeFatal || l.RetryCount > o.cfg.MaxRetries {
			if l, err = o.ledger.SetOverall(ctx, ownerID, feedback.OverallFailed, errText); err != nil {
				return err
			}
			logger.Error("pipeline failed",
				zap.String("failed_step", failedStep),
				zap.Int("retry_count", l.RetryCount),
				zap.Stringer("outcome", res.Outcome),
				zap.Error(res.Err),
			)
			o.emit(progress.Event{
				OwnerID: ownerID, Generation: l.Generation, Stage: progress.StageRunFailed,
				Step: step, Source: src, Attempt: l.RetryCount, Dur: o.clock.Now().Sub(started), Note: errText,
			})
			return fmt.Errorf("%w: %s: %s", ErrRunFailed, failedStep, errText)
		}

		delay := res.Delay
		if delay <= 0 {
			delay = o.cfg.RetryDelay
		}
		logger.Warn("pipeline step failed, retrying",
			zap.String("failed_step", failedStep),
			zap.Int("retry_count", l.RetryCount),
			zap.Int("max_retries", o.cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(res.Err),
		)
		o.emit(progress.Event{
			OwnerID: ownerID, Generation: l.Generation, Stage: progress.StageRunRetry,
			Step: step, Source: src, Attempt: l.RetryCount, Dur: delay, Note: errText,
		})
		if err := o.sleep(ctx, delay); err != nil {
			return fmt.Errorf("pipeline interrupted: %w", err)
		}
	}
}

// runSteps executes steps from the ledger's current step onward. It returns
// the step that stopped the run alongside its result.
func (o *Orchestrator) runSteps(ctx context.Context, owner feedback.Owner, l feedback.Ledger) (feedback.Step, Result) {
	for step := l.CurrentStep; step <= feedback.LastStep; step++ {
		if l.StepStatus(step) != feedback.StatusCompleted {
			started := o.clock.Now()
			stepCtx, span := o.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
				attribute.String("owner_id", owner.ID.String()),
				attribute.Int("generation", l.Generation),
				attribute.String("step", step.String()),
			))
			res := o.steps[step].Run(stepCtx, owner)
			span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
			telemetry.End(span, res.Err)
			if res.Outcome != OutcomeOK {
				if ctx.Err() != nil {
					return step, res
				}
				if _, err := o.ledger.MarkStep(ctx, owner.ID, step, feedback.StatusFailed); err != nil {
					return step, Retryable(errors.Join(res.Err, err), res.Delay)
				}
				o.emit(progress.Event{
					OwnerID: owner.ID, Generation: l.Generation, Stage: progress.StageStepFailed, Step: step,
					Dur: o.clock.Now().Sub(started), Note: errorText(res.Err),
				})
				return step, res
			}
			var err error
			if l, err = o.ledger.MarkStep(ctx, owner.ID, step, feedback.StatusCompleted); err != nil {
				return step, classify(err)
			}
			o.emit(progress.Event{
				OwnerID: owner.ID, Generation: l.Generation, Stage: progress.StageStepDone, Step: step,
				Dur: o.clock.Now().Sub(started),
			})
		}
		if step < feedback.LastStep {
			var err error
			if l, err = o.ledger.Advance(ctx, owner.ID, step+1); err != nil {
				return step, classify(err)
			}
		}
	}
	return feedback.LastStep, OK()
}

func (o *Orchestrator) emit(evt progress.Event) {
	evt.TS = o.clock.Now()
	progress.Emit(o.emitter, evt)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
