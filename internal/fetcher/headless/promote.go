package headless

import (
	"context"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/feedback-pipeline/internal/fetcher/colly"
)

// PageFetcher loads one page and captures selector text.
type PageFetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Detector decides whether a plain response needs a rendered re-fetch.
type Detector interface {
	ShouldPromote(req collyfetcher.Request, resp collyfetcher.Response) bool
}

// Promoting fetches with a cheap fetcher first and re-fetches through a renderer
// only when the detector asks for it. A failed render falls back to the
// plain response.
type Promoting struct {
	plain    PageFetcher
	renderer PageFetcher
	detector Detector
	logger   *zap.Logger
}

// NewPromoting wires the plain fetcher, renderer, and detector.
func NewPromoting(plain, renderer PageFetcher, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{plain: plain, renderer: renderer, detector: detector, logger: logger}
}

// Fetch implements PageFetcher.
func (p *Promoting) Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	resp, err := p.plain.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	if p.renderer == nil || p.detector == nil || !p.detector.ShouldPromote(req, resp) {
		return resp, nil
	}
	p.logger.Info("promoting fetch to headless", zap.String("url", req.URL), zap.Int("plain_bytes", len(resp.Body)))
	rendered, err := p.renderer.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return collyfetcher.Response{}, ctx.Err()
		}
		p.logger.Warn("headless fetch failed; using plain response", zap.String("url", req.URL), zap.Error(err))
		return resp, nil
	}
	return rendered, nil
}
