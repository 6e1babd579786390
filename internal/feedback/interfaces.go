package feedback

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrMissingConfig signals that an owner lacks a field a source requires.
var ErrMissingConfig = errors.New("missing source configuration")

// Batch is one page of normalized records returned by a SourceAdapter.
type Batch struct {
	Records []Record
	// Next is the cursor to pass on the following call.
	Next Cursor
	// Exhausted is true when the provider has no more data.
	Exhausted bool
}

// SourceAdapter fetches normalized records from one external provider. It
// holds no pagination state; everything needed to resume lives in the Cursor.
type SourceAdapter interface {
	Source() Source
	Fetch(ctx context.Context, owner Owner, cursor Cursor, maxCount int) (Batch, error)
}

// ClassifyItem is one record sent to the classifier.
type ClassifyItem struct {
	ID       int64
	NativeID string
	Text     string
}

// Label is the classifier verdict for one record.
type Label struct {
	ID        int64
	Sentiment string
	Category  string
}

// Classifier assigns sentiment and category labels to a batch of texts.
type Classifier interface {
	Classify(ctx context.Context, items []ClassifyItem) ([]Label, error)
}

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes pipeline events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunRequest asks a worker to drive one owner's pipeline.
type RunRequest struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	Reason    string    `json:"reason,omitempty"`
	Submitted time.Time `json:"submitted_at"`
}

// Delivery wraps a RunRequest taken from a queue. Ack confirms processing;
// Nack asks the queue to redeliver.
type Delivery struct {
	Request RunRequest
	Ack     func()
	Nack    func()
}

// Queue provides at-least-once delivery of run requests.
type Queue interface {
	Enqueue(ctx context.Context, req RunRequest) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
