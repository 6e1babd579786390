package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/pipeline"
	"github.com/JakeFAU/feedback-pipeline/internal/queue"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

type settleRecorder struct {
	mu    sync.Mutex
	acks  []uuid.UUID
	nacks []uuid.UUID
}

func (s *settleRecorder) delivery(id uuid.UUID) feedback.Delivery {
	return feedback.Delivery{
		Request: feedback.RunRequest{OwnerID: id},
		Ack: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.acks = append(s.acks, id)
		},
		Nack: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.nacks = append(s.nacks, id)
		},
	}
}

// sliceQueue hands out fixed deliveries then reports closed.
type sliceQueue struct {
	mu    sync.Mutex
	items []feedback.Delivery
}

func (q *sliceQueue) Enqueue(context.Context, feedback.RunRequest) error { return nil }

func (q *sliceQueue) Dequeue(ctx context.Context) (feedback.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return feedback.Delivery{}, err
	}
	if len(q.items) == 0 {
		return feedback.Delivery{}, queue.ErrClosed
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, nil
}

type runnerFunc func(ctx context.Context, ownerID uuid.UUID) error

func (f runnerFunc) Run(ctx context.Context, ownerID uuid.UUID) error { return f(ctx, ownerID) }

func TestWorkerAcksSettledRuns(t *testing.T) {
	t.Parallel()

	ok, failed := uuid.New(), uuid.New()
	rec := &settleRecorder{}
	q := &sliceQueue{items: []feedback.Delivery{rec.delivery(ok), rec.delivery(failed)}}
	var ran []uuid.UUID
	runner := runnerFunc(func(_ context.Context, id uuid.UUID) error {
		ran = append(ran, id)
		if id == failed {
			return fmt.Errorf("%w: ingestion.reddit: exhausted", pipeline.ErrRunFailed)
		}
		return nil
	})

	New(1, q, runner, Config{}, zap.NewNop()).Run(context.Background())

	require.Equal(t, []uuid.UUID{ok, failed}, ran)
	require.Equal(t, []uuid.UUID{ok, failed}, rec.acks)
	require.Empty(t, rec.nacks)
}

func TestWorkerNacksInterruptedRuns(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	rec := &settleRecorder{}
	q := &sliceQueue{items: []feedback.Delivery{rec.delivery(owner)}}
	ctx, cancel := context.WithCancel(context.Background())
	runner := runnerFunc(func(ctx context.Context, _ uuid.UUID) error {
		cancel()
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		New(1, q, runner, Config{}, zap.NewNop()).Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	require.Equal(t, []uuid.UUID{owner}, rec.nacks)
	require.Empty(t, rec.acks)
}

type flakyQueue struct {
	sliceQueue
	failures int
}

func (q *flakyQueue) Dequeue(ctx context.Context) (feedback.Delivery, error) {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return feedback.Delivery{}, errors.New("subscription hiccup")
	}
	q.mu.Unlock()
	return q.sliceQueue.Dequeue(ctx)
}

func TestWorkerBacksOffOnDequeueErrors(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	rec := &settleRecorder{}
	q := &flakyQueue{sliceQueue: sliceQueue{items: []feedback.Delivery{rec.delivery(owner)}}, failures: 2}
	runner := runnerFunc(func(context.Context, uuid.UUID) error { return nil })

	New(1, q, runner, Config{ErrorBackoff: time.Millisecond}, nil).Run(context.Background())
	require.Equal(t, []uuid.UUID{owner}, rec.acks)
}

func TestWorkerNacksUnsettledRuns(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	rec := &settleRecorder{}
	q := &sliceQueue{items: []feedback.Delivery{rec.delivery(owner)}}
	runner := runnerFunc(func(context.Context, uuid.UUID) error {
		return errors.New("ledger set overall: connection reset")
	})

	New(1, q, runner, Config{ErrorBackoff: time.Millisecond}, zap.NewNop()).Run(context.Background())
	require.Equal(t, []uuid.UUID{owner}, rec.nacks)
	require.Empty(t, rec.acks)
}

func TestWorkerAcksUnknownOwner(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	rec := &settleRecorder{}
	q := &sliceQueue{items: []feedback.Delivery{rec.delivery(owner)}}
	runner := runnerFunc(func(_ context.Context, id uuid.UUID) error {
		return fmt.Errorf("load owner %s: %w", id, store.ErrNotFound)
	})

	New(1, q, runner, Config{ErrorBackoff: time.Millisecond}, zap.NewNop()).Run(context.Background())
	require.Equal(t, []uuid.UUID{owner}, rec.acks)
	require.Empty(t, rec.nacks)
}
