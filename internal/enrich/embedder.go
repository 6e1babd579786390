package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

// HTTPEmbedder calls a JSON embedding service:
// POST {"texts": [...]} returns {"embeddings": [[...], ...]}.
type HTTPEmbedder struct {
	client    *source.Client
	endpoint  string
	dimension int
}

// NewHTTPEmbedder builds an embedder for vectors of the given dimension.
func NewHTTPEmbedder(client *source.Client, endpoint string, dimension int) *HTTPEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HTTPEmbedder{client: client, endpoint: endpoint, dimension: dimension}
}

// Dimension implements feedback.Embedder.
func (e *HTTPEmbedder) Dimension() int {
	return e.dimension
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements feedback.Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.endpoint == "" {
		return nil, errors.New("embedder endpoint is not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	body, err := e.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	for i, vec := range resp.Embeddings {
		if len(vec) != e.dimension {
			return nil, fmt.Errorf("embedding %d has %d values: %w", i, len(vec), ErrDimensionMismatch)
		}
	}
	return resp.Embeddings, nil
}
