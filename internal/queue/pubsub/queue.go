// Package pubsub implements the run queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/queue"
)

// Config names the topic and subscription backing the queue.
type Config struct {
	TopicID        string
	SubscriptionID string
	// MaxOutstanding caps unacknowledged deliveries held by this process.
	MaxOutstanding int
}

// Queue publishes run requests to a topic and receives them from a
// subscription. Ack and Nack map directly onto the Pub/Sub message.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan feedback.Delivery
	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	wg         sync.WaitGroup
	errMu      sync.Mutex
	recvErr    error
}

// New wires a Queue to an existing topic and subscription.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, errors.New("pubsub topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.TopicID)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	recvCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		topic:      topic,
		sub:        sub,
		logger:     logger.Named("pubsub_queue"),
		deliveries: make(chan feedback.Delivery),
		ctx:        recvCtx,
		cancel:     cancel,
	}, nil
}

// Enqueue publishes the request and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, req feedback.RunRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}
	id, err := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"owner_id": req.OwnerID.String()},
	}).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish run request: %w", err)
	}
	q.logger.Debug("run request published", zap.String("owner_id", req.OwnerID.String()), zap.String("message_id", id))
	return nil
}

// Dequeue blocks until a delivery arrives. The subscription receiver starts
// on first use and runs until Close.
func (q *Queue) Dequeue(ctx context.Context) (feedback.Delivery, error) {
	q.startOnce.Do(q.startReceiver)
	select {
	case <-ctx.Done():
		return feedback.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.deliveries:
		if !ok {
			return feedback.Delivery{}, q.err()
		}
		return d, nil
	}
}

func (q *Queue) startReceiver() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(q.deliveries)
		err := q.sub.Receive(q.ctx, func(ctx context.Context, msg *pubsub.Message) {
			var req feedback.RunRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				q.logger.Error("dropping malformed run request", zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			d := feedback.Delivery{Request: req, Ack: msg.Ack, Nack: msg.Nack}
			select {
			case q.deliveries <- d:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		q.errMu.Lock()
		q.recvErr = err
		q.errMu.Unlock()
		if err != nil {
			q.logger.Error("subscription receive stopped", zap.Error(err))
		}
	}()
}

func (q *Queue) err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	if q.recvErr != nil {
		return fmt.Errorf("receive: %w", q.recvErr)
	}
	return queue.ErrClosed
}

// Close stops receiving and flushes pending publishes.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.topic.Stop()
	return nil
}
