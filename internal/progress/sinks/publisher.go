package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
)

// RunEvent is the payload published when a pipeline run settles.
type RunEvent struct {
	OwnerID    string    `json:"owner_id"`
	Generation int       `json:"generation"`
	Status     string    `json:"status"`
	Step       string    `json:"step,omitempty"`
	Source     string    `json:"source,omitempty"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PublisherSink forwards terminal run events (completed or failed) to a
// topic so downstream consumers can react without polling.
type PublisherSink struct {
	publisher feedback.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a PublisherSink. An empty topic disables it.
func NewPublisherSink(publisher feedback.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one message per terminal event. Only the newest
// terminal event per owner in a batch is sent.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	latest := make(map[string]progress.Event)
	var order []string
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		key := evt.OwnerID.String()
		prev, seen := latest[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || !evt.TS.Before(prev.TS) {
			latest[key] = evt
		}
	}
	for _, key := range order {
		evt := latest[key]
		payload := RunEvent{
			OwnerID:    key,
			Generation: evt.Generation,
			Status:     string(feedback.OverallCompleted),
			Source:     string(evt.Source),
			Attempt:    evt.Attempt,
			Error:      evt.Note,
			DurationMs: evt.Dur.Milliseconds(),
			OccurredAt: evt.TS.UTC(),
		}
		if evt.Stage == progress.StageRunFailed {
			payload.Status = string(feedback.OverallFailed)
		}
		if evt.Step != 0 {
			payload.Step = evt.Step.String()
		}
		id, err := s.publisher.Publish(ctx, s.topic, payload)
		if err != nil {
			return fmt.Errorf("publish run event for %s: %w", key, err)
		}
		s.logger.Debug("run event published", zap.String("owner_id", key), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
