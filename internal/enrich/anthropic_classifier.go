package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// DefaultCategories is the label set offered to the model when none is configured.
var DefaultCategories = []string{"product", "pricing", "support", "usability", "reliability", "other"}

// AnthropicConfig configures AnthropicClassifier.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	MaxBatch   int
	Categories []string
	HTTPClient *http.Client
}

// AnthropicClassifier labels feedback with a Claude model, asking for a JSON
// array of {id, sentiment, category} objects.
type AnthropicClassifier struct {
	client     sdk.Client
	model      string
	maxTokens  int64
	maxBatch   int
	categories []string
	logger     *zap.Logger
}

// NewAnthropicClassifier builds a classifier backed by the Messages API.
func NewAnthropicClassifier(cfg AnthropicConfig, logger *zap.Logger) (*AnthropicClassifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 100
	}
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	return &AnthropicClassifier{
		client:     sdk.NewClient(opts...),
		model:      cfg.Model,
		maxTokens:  maxTokens,
		maxBatch:   maxBatch,
		categories: categories,
		logger:     logger.Named("anthropic_classifier"),
	}, nil
}

type promptItem struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

type modelLabel struct {
	ID        int64  `json:"id"`
	Sentiment string `json:"sentiment"`
	Category  string `json:"category"`
}

// Classify implements feedback.Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, items []feedback.ClassifyItem) ([]feedback.Label, error) {
	var out []feedback.Label
	for start := 0; start < len(items); start += c.maxBatch {
		chunk := items[start:min(start+c.maxBatch, len(items))]
		labels, err := c.classifyChunk(ctx, chunk)
		if err != nil {
			return out, err
		}
		out = append(out, labels...)
	}
	return out, nil
}

func (c *AnthropicClassifier) classifyChunk(ctx context.Context, items []feedback.ClassifyItem) ([]feedback.Label, error) {
	prompt := make([]promptItem, len(items))
	for i, item := range items {
		prompt[i] = promptItem{ID: item.ID, Text: item.Text}
	}
	payload, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: c.systemPrompt()}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(string(payload)))},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: create message: %w", err)
	}
	c.logger.Debug("classifier usage",
		zap.String("model", string(msg.Model)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseModelLabels(text.String())
}

func (c *AnthropicClassifier) systemPrompt() string {
	return "You label customer feedback. For every input object return one JSON object " +
		`{"id": <same id>, "sentiment": "positive"|"negative"|"neutral", "category": <one of ` +
		strings.Join(c.categories, ", ") + ">}. Reply with a single JSON array and nothing else."
}

// parseModelLabels extracts the JSON array from the reply, tolerating prose
// or code fences around it.
func parseModelLabels(text string) ([]feedback.Label, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, errors.New("anthropic: reply has no JSON array")
	}
	var raw []modelLabel
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("anthropic: decode labels: %w", err)
	}
	out := make([]feedback.Label, 0, len(raw))
	for _, l := range raw {
		sentiment := strings.ToLower(strings.TrimSpace(l.Sentiment))
		if sentiment == "" {
			continue
		}
		out = append(out, feedback.Label{
			ID:        l.ID,
			Sentiment: sentiment,
			Category:  strings.ToLower(strings.TrimSpace(l.Category)),
		})
	}
	return out, nil
}
