package enrich

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

// CSVClassifier posts a batch as a CSV upload and reads labels back as CSV.
// Request columns are id,native_id,text; response columns must include
// id (or native_id), sentiment and category.
type CSVClassifier struct {
	client   *source.Client
	endpoint string
	maxBatch int
}

// NewCSVClassifier builds a classifier posting to endpoint. maxBatch splits
// larger inputs into several uploads; zero means unlimited.
func NewCSVClassifier(client *source.Client, endpoint string, maxBatch int) *CSVClassifier {
	return &CSVClassifier{client: client, endpoint: endpoint, maxBatch: maxBatch}
}

// Classify implements feedback.Classifier.
func (c *CSVClassifier) Classify(ctx context.Context, items []feedback.ClassifyItem) ([]feedback.Label, error) {
	if c.endpoint == "" {
		return nil, errors.New("classifier endpoint is not configured")
	}
	size := c.maxBatch
	if size <= 0 {
		size = len(items)
	}
	var out []feedback.Label
	for start := 0; start < len(items); start += size {
		chunk := items[start:min(start+size, len(items))]
		labels, err := c.classifyChunk(ctx, chunk)
		if err != nil {
			return out, err
		}
		out = append(out, labels...)
	}
	return out, nil
}

func (c *CSVClassifier) classifyChunk(ctx context.Context, items []feedback.ClassifyItem) ([]feedback.Label, error) {
	payload, contentType, err := encodeUpload(items)
	if err != nil {
		return nil, err
	}
	body, err := c.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "text/csv")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("classify %d items: %w", len(items), err)
	}
	return decodeLabels(bytes.NewReader(body), items)
}

func encodeUpload(items []feedback.ClassifyItem) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "batch.csv")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	w := csv.NewWriter(part)
	if err := w.Write([]string{"id", "native_id", "text"}); err != nil {
		return nil, "", fmt.Errorf("write csv header: %w", err)
	}
	for _, item := range items {
		if err := w.Write([]string{strconv.FormatInt(item.ID, 10), item.NativeID, item.Text}); err != nil {
			return nil, "", fmt.Errorf("write csv row %d: %w", item.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", fmt.Errorf("flush csv: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func decodeLabels(r io.Reader, items []feedback.ClassifyItem) ([]feedback.Label, error) {
	byNative := make(map[string]int64, len(items))
	for _, item := range items {
		byNative[item.NativeID] = item.ID
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["sentiment"]; !ok {
		return nil, errors.New("response is missing the sentiment column")
	}
	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []feedback.Label
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read response row: %w", err)
		}
		label := feedback.Label{Sentiment: field(row, "sentiment"), Category: field(row, "category")}
		if label.Sentiment == "" {
			continue
		}
		if raw := field(row, "id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse id %q: %w", raw, err)
			}
			label.ID = id
		} else if id, ok := byNative[field(row, "native_id")]; ok {
			label.ID = id
		} else {
			continue
		}
		out = append(out, label)
	}
	return out, nil
}
