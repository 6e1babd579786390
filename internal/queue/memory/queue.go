// Package memory provides an in-process run queue for local development and
// single-binary deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/queue"
)

// Queue is a bounded in-memory queue with context-aware operations. A
// Nacked delivery is put back at the tail.
type Queue struct {
	ch        chan feedback.RunRequest
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan feedback.RunRequest, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req feedback.RunRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return queue.ErrClosed
	case q.ch <- req:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (feedback.Delivery, error) {
	select {
	case <-ctx.Done():
		return feedback.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return feedback.Delivery{}, queue.ErrClosed
		}
		var settle sync.Once
		return feedback.Delivery{
			Request: req,
			Ack:     func() { settle.Do(func() {}) },
			Nack: func() {
				settle.Do(func() {
					go func() { _ = q.Enqueue(context.Background(), req) }()
				})
			},
		}, nil
	}
}

// Len reports the number of waiting requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending Enqueue calls return queue.ErrClosed and
// Dequeue drains what is left before reporting queue.ErrClosed.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
	return nil
}
