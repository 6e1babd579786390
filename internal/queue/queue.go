// Package queue carries pipeline run requests from the API to the worker
// pool. Implementations deliver at least once; workers Ack after the run
// settles and Nack when interrupted so the request is redelivered.
package queue

import (
	"errors"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// ErrClosed is returned by Enqueue and Dequeue once a queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a feedback.Queue that owns resources released by Close.
type Queue interface {
	feedback.Queue
	Close() error
}
