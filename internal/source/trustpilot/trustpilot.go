// Package trustpilot scrapes public Trustpilot review pages. Each page embeds
// its reviews as JSON in the Next.js bootstrap script, so no rendering is
// needed.
package trustpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	collyfetcher "github.com/JakeFAU/feedback-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const (
	defaultBaseURL = "https://www.trustpilot.com"
	nextDataSel    = "script#__NEXT_DATA__"
)

// PageFetcher loads one HTML page and captures selector text.
type PageFetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Config controls the adapter.
type Config struct {
	BaseURL string
}

// Adapter implements feedback.SourceAdapter for Trustpilot.
type Adapter struct {
	fetcher PageFetcher
	baseURL string
}

// New builds an Adapter.
func New(cfg Config, fetcher PageFetcher) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{fetcher: fetcher, baseURL: strings.TrimRight(cfg.BaseURL, "/")}
}

// Source implements feedback.SourceAdapter.
func (a *Adapter) Source() feedback.Source {
	return feedback.SourceTrustpilot
}

type nextData struct {
	Props struct {
		PageProps struct {
			Reviews []review `json:"reviews"`
			Filters struct {
				Pagination struct {
					TotalPages int `json:"totalPages"`
				} `json:"pagination"`
			} `json:"filters"`
		} `json:"pageProps"`
	} `json:"props"`
}

type review struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Rating   float64 `json:"rating"`
	Title    string  `json:"title"`
	Language string  `json:"language"`
	Dates    struct {
		PublishedDate string `json:"publishedDate"`
	} `json:"dates"`
	Consumer struct {
		DisplayName string `json:"displayName"`
	} `json:"consumer"`
	Reply *struct {
		Message string `json:"message"`
	} `json:"reply"`
}

// Fetch returns up to maxCount reviews starting at the cursor's page/offset.
func (a *Adapter) Fetch(
	ctx context.Context,
	owner feedback.Owner,
	cursor feedback.Cursor,
	maxCount int,
) (feedback.Batch, error) {
	domain := strings.TrimSpace(owner.WebsiteDomain)
	if domain == "" {
		return feedback.Batch{}, fmt.Errorf("website domain: %w", feedback.ErrMissingConfig)
	}
	page := cursor.Page
	if page < 1 {
		page = 1
	}
	pageURL := a.baseURL + "/review/" + url.PathEscape(domain)
	if page > 1 {
		pageURL = fmt.Sprintf("%s?page=%d", pageURL, page)
	}

	resp, err := a.fetcher.Fetch(ctx, collyfetcher.Request{URL: pageURL, Selectors: []string{nextDataSel}})
	if err != nil {
		return feedback.Batch{}, fmt.Errorf("fetch trustpilot page %d: %w", page, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Pages past the last one are 404s.
		return feedback.Batch{Next: cursor, Exhausted: true}, nil
	case resp.StatusCode != http.StatusOK:
		return feedback.Batch{}, &source.StatusError{URL: pageURL, Code: resp.StatusCode}
	}
	scripts := resp.Matches[nextDataSel]
	if len(scripts) == 0 {
		return feedback.Batch{}, fmt.Errorf("trustpilot page %d: %s not found", page, nextDataSel)
	}
	var data nextData
	if err := json.Unmarshal([]byte(scripts[0]), &data); err != nil {
		return feedback.Batch{}, fmt.Errorf("decode trustpilot page %d: %w", page, err)
	}

	reviews := make([]feedback.Record, 0, len(data.Props.PageProps.Reviews))
	for _, r := range data.Props.PageProps.Reviews {
		if r.ID == "" {
			continue
		}
		reviews = append(reviews, toRecord(owner, r))
	}
	if len(reviews) == 0 {
		return feedback.Batch{Next: cursor, Exhausted: true}, nil
	}

	window, offset, done := source.Window(reviews, cursor.Offset, maxCount)
	next := feedback.Cursor{Page: page, Offset: offset}
	if done {
		next = feedback.Cursor{Page: page + 1}
	}
	total := data.Props.PageProps.Filters.Pagination.TotalPages
	return feedback.Batch{
		Records:   window,
		Next:      next,
		Exhausted: done && total > 0 && page >= total,
	}, nil
}

func toRecord(owner feedback.Owner, r review) feedback.Record {
	rating := r.Rating
	var posted time.Time
	if ts, err := time.Parse(time.RFC3339, r.Dates.PublishedDate); err == nil {
		posted = ts.UTC()
	}
	var comments json.RawMessage
	if r.Reply != nil && r.Reply.Message != "" {
		comments, _ = json.Marshal([]string{r.Reply.Message})
	}
	lang := feedback.NormalizeLanguage(r.Language)
	if lang == "" {
		lang = feedback.NormalizeLanguage(owner.Language)
	}
	return feedback.Record{
		OwnerID:     owner.ID,
		NativeID:    feedback.NativeID(feedback.SourceTrustpilot, r.ID),
		Source:      feedback.SourceTrustpilot,
		PostedAt:    posted,
		Rating:      &rating,
		Body:        strings.TrimSpace(r.Text),
		Title:       strings.TrimSpace(r.Title),
		Author:      r.Consumer.DisplayName,
		URL:         fmt.Sprintf("https://www.trustpilot.com/reviews/%s", url.PathEscape(r.ID)),
		RawComments: comments,
		Language:    lang,
	}
}
