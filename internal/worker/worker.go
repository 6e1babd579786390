// Package worker consumes run requests and drives each owner's pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/metrics"
	"github.com/JakeFAU/feedback-pipeline/internal/pipeline"
	"github.com/JakeFAU/feedback-pipeline/internal/queue"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// Runner executes one owner's pipeline to a settled state.
type Runner interface {
	Run(ctx context.Context, ownerID uuid.UUID) error
}

// Config controls Worker behavior.
type Config struct {
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Worker consumes queue deliveries one at a time.
type Worker struct {
	id     int
	queue  feedback.Queue
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, q feedback.Queue, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		id:     id,
		queue:  q,
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming deliveries until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued run request",
			zap.String("owner_id", d.Request.OwnerID.String()), zap.String("reason", d.Request.Reason))
		w.process(ctx, d)
	}
}

// process runs the pipeline and settles the delivery. Settled runs,
// including failures the ledger already records, are Acked. Anything else
// left the ledger short of a settled state and is Nacked for redelivery.
func (w *Worker) process(ctx context.Context, d feedback.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ownerID := d.Request.OwnerID
	err := w.runner.Run(ctx, ownerID)
	switch {
	case err == nil:
		w.logger.Info("run settled", zap.String("owner_id", ownerID.String()))
		d.Ack()
	case ctx.Err() != nil:
		w.logger.Warn("run interrupted; requesting redelivery", zap.String("owner_id", ownerID.String()), zap.Error(err))
		d.Nack()
	case errors.Is(err, pipeline.ErrRunFailed):
		w.logger.Error("run failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		d.Ack()
	case errors.Is(err, store.ErrNotFound):
		w.logger.Error("dropping run for unknown owner", zap.String("owner_id", ownerID.String()), zap.Error(err))
		d.Ack()
	default:
		w.logger.Warn("run did not settle; requesting redelivery",
			zap.String("owner_id", ownerID.String()),
			zap.Duration("backoff", w.cfg.ErrorBackoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.ErrorBackoff):
		}
		d.Nack()
	}
}
