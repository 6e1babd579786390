// Package appstore reads App Store customer reviews from the public iTunes
// RSS feed (Atom).
package appstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const (
	defaultBaseURL = "https://itunes.apple.com"
	// The feed stops serving after page 10 (50 reviews per page).
	defaultMaxPages = 10
)

// Config controls the adapter.
type Config struct {
	BaseURL  string
	MaxPages int
}

// Adapter implements feedback.SourceAdapter for the App Store.
type Adapter struct {
	client   *source.Client
	parser   *gofeed.Parser
	baseURL  string
	maxPages int
}

// New builds an Adapter.
func New(cfg Config, client *source.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Adapter{
		client:   client,
		parser:   gofeed.NewParser(),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		maxPages: cfg.MaxPages,
	}
}

// Source implements feedback.SourceAdapter.
func (a *Adapter) Source() feedback.Source {
	return feedback.SourceAppStore
}

// Fetch returns up to maxCount reviews starting at the cursor's page/offset.
func (a *Adapter) Fetch(
	ctx context.Context,
	owner feedback.Owner,
	cursor feedback.Cursor,
	maxCount int,
) (feedback.Batch, error) {
	if owner.AppStoreID == "" {
		return feedback.Batch{}, fmt.Errorf("app store id: %w", feedback.ErrMissingConfig)
	}
	page := cursor.Page
	if page < 1 {
		page = 1
	}
	country := cursor.Country
	if country == "" {
		country = strings.ToLower(owner.Country)
	}
	if country == "" {
		country = "us"
	}
	if page > a.maxPages {
		return feedback.Batch{Next: cursor, Exhausted: true}, nil
	}

	feedURL := fmt.Sprintf("%s/%s/rss/customerreviews/page=%d/id=%s/sortby=mostrecent/xml",
		a.baseURL, country, page, owner.AppStoreID)
	body, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	})
	if err != nil {
		var statusErr *source.StatusError
		// Pages past the end of the feed come back as 400/404.
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusBadRequest) && page > 1 {
			return feedback.Batch{Next: cursor, Exhausted: true}, nil
		}
		return feedback.Batch{}, fmt.Errorf("fetch app store page %d: %w", page, err)
	}
	feed, err := a.parser.ParseString(string(body))
	if err != nil {
		return feedback.Batch{}, fmt.Errorf("parse app store feed: %w", err)
	}

	reviews := make([]feedback.Record, 0, len(feed.Items))
	for _, item := range feed.Items {
		if rec, ok := toRecord(owner, item); ok {
			reviews = append(reviews, rec)
		}
	}
	if len(reviews) == 0 {
		return feedback.Batch{Next: cursor, Exhausted: true}, nil
	}

	window, offset, done := source.Window(reviews, cursor.Offset, maxCount)
	next := feedback.Cursor{Page: page, Offset: offset, Country: country}
	if done {
		next = feedback.Cursor{Page: page + 1, Country: country}
	}
	return feedback.Batch{
		Records:   window,
		Next:      next,
		Exhausted: done && page >= a.maxPages,
	}, nil
}

// toRecord converts a review entry. The feed's first entry describes the
// app itself and carries no rating, so it is rejected.
func toRecord(owner feedback.Owner, item *gofeed.Item) (feedback.Record, bool) {
	ratingRaw := extensionValue(item, "rating")
	if ratingRaw == "" || item.GUID == "" {
		return feedback.Record{}, false
	}
	rating, err := strconv.ParseFloat(ratingRaw, 64)
	if err != nil {
		return feedback.Record{}, false
	}
	posted := time.Time{}
	switch {
	case item.UpdatedParsed != nil:
		posted = item.UpdatedParsed.UTC()
	case item.PublishedParsed != nil:
		posted = item.PublishedParsed.UTC()
	}
	author := ""
	if item.Author != nil {
		author = item.Author.Name
	}
	body := item.Content
	if body == "" {
		body = item.Description
	}
	return feedback.Record{
		OwnerID:  owner.ID,
		NativeID: feedback.NativeID(feedback.SourceAppStore, item.GUID),
		Source:   feedback.SourceAppStore,
		PostedAt: posted,
		Rating:   &rating,
		Body:     htmlText(body),
		Title:    strings.TrimSpace(item.Title),
		Author:   author,
		URL:      item.Link,
		Language: feedback.NormalizeLanguage(owner.Language),
	}, true
}

func extensionValue(item *gofeed.Item, name string) string {
	ns, ok := item.Extensions["im"]
	if !ok {
		return ""
	}
	values := ns[name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// htmlText flattens the entry content, which may be plain text or HTML.
func htmlText(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
