package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/policy/ratelimit"
)

const maxBodyBytes = 16 << 20

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", method, e.URL, e.Code, e.Body)
}

// Client performs rate-limited HTTP calls with retry on transient failures.
type Client struct {
	http      *http.Client
	limiter   *ratelimit.Limiter
	retry     *RetryPolicy
	userAgent string
	logger    *zap.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// NewClient builds a Client. A nil httpClient uses a client with cfg.Timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:      httpClient,
		limiter:   limiter,
		retry:     NewRetryPolicy(),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// WithRetryPolicy replaces the retry policy (primarily for testing).
func (c *Client) WithRetryPolicy(p *RetryPolicy) *Client {
	c.retry = p
	return c
}

// Do sends the request built by newReq and returns the response body.
// newReq is called once per attempt so bodies can be replayed.
func (c *Client) Do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := c.once(ctx, newReq)
		if err == nil {
			return body, nil
		}
		if !c.retry.ShouldRetry(err, attempt+1) {
			return nil, err
		}
		wait := c.retry.Backoff(attempt)
		c.logger.Debug("retrying request", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := c.limiter.Wait(ctx, req.URL.String()); err != nil {
		return nil, err
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{Method: req.Method, URL: req.URL.Redacted(), Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

// GetJSON issues a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	body, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}
