// Package twitter searches posts through the twitterapi.io advanced search
// endpoint, which pages with an opaque next_cursor.
package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const defaultBaseURL = "https://api.twitterapi.io"

// Config carries the API key and query shaping.
type Config struct {
	APIKey  string
	BaseURL string
	// QueryType is "Top" or "Latest".
	QueryType string
	// QuerySuffix is appended to every search, e.g. "-is:retweet".
	QuerySuffix string
}

// Adapter implements feedback.SourceAdapter for Twitter/X.
type Adapter struct {
	cfg    Config
	client *source.Client
}

// New builds an Adapter.
func New(cfg Config, client *source.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.QueryType == "" {
		cfg.QueryType = "Top"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, client: client}
}

// Source implements feedback.SourceAdapter.
func (a *Adapter) Source() feedback.Source {
	return feedback.SourceTwitter
}

type searchResponse struct {
	Tweets     []tweet `json:"tweets"`
	HasNext    bool    `json:"has_next_page"`
	NextCursor string  `json:"next_cursor"`
}

type tweet struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Text      string  `json:"text"`
	CreatedAt string  `json:"createdAt"`
	Lang      string  `json:"lang"`
	LikeCount float64 `json:"likeCount"`
	Author    struct {
		UserName string `json:"userName"`
	} `json:"author"`
}

// Fetch returns up to maxCount tweets from the page addressed by the cursor.
// Cursor.Token is the page cursor and Cursor.Offset the number of tweets of
// that page already returned.
func (a *Adapter) Fetch(
	ctx context.Context,
	owner feedback.Owner,
	cursor feedback.Cursor,
	maxCount int,
) (feedback.Batch, error) {
	if a.cfg.APIKey == "" {
		return feedback.Batch{}, fmt.Errorf("twitter api key: %w", feedback.ErrMissingConfig)
	}
	query := strings.TrimSpace(owner.TwitterQuery)
	if query == "" {
		query = strings.TrimSpace(owner.CompanyName)
	}
	if query == "" {
		return feedback.Batch{}, fmt.Errorf("twitter query: %w", feedback.ErrMissingConfig)
	}
	if a.cfg.QuerySuffix != "" {
		query += " " + a.cfg.QuerySuffix
	}

	q := url.Values{}
	q.Set("queryType", a.cfg.QueryType)
	q.Set("query", query)
	q.Set("cursor", cursor.Token)
	header := http.Header{}
	header.Set("X-API-Key", a.cfg.APIKey)

	var resp searchResponse
	endpoint := a.cfg.BaseURL + "/twitter/tweet/advanced_search?" + q.Encode()
	if err := a.client.GetJSON(ctx, endpoint, header, &resp); err != nil {
		return feedback.Batch{}, fmt.Errorf("search tweets: %w", err)
	}
	if len(resp.Tweets) == 0 {
		return feedback.Batch{Next: cursor, Exhausted: true}, nil
	}

	records := make([]feedback.Record, 0, len(resp.Tweets))
	for _, t := range resp.Tweets {
		if t.ID == "" {
			continue
		}
		records = append(records, toRecord(owner, t))
	}
	window, offset, done := source.Window(records, cursor.Offset, maxCount)
	if !done {
		return feedback.Batch{
			Records: window,
			Next:    feedback.Cursor{Token: cursor.Token, Offset: offset},
		}, nil
	}
	last := resp.NextCursor == "" || resp.NextCursor == cursor.Token
	return feedback.Batch{
		Records:   window,
		Next:      feedback.Cursor{Token: resp.NextCursor},
		Exhausted: last,
	}, nil
}

func toRecord(owner feedback.Owner, t tweet) feedback.Record {
	var posted time.Time
	if ts, err := time.Parse(time.RubyDate, t.CreatedAt); err == nil {
		posted = ts.UTC()
	} else if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
		posted = ts.UTC()
	}
	link := t.URL
	if link == "" && t.Author.UserName != "" {
		link = fmt.Sprintf("https://x.com/%s/status/%s", t.Author.UserName, t.ID)
	}
	lang := feedback.NormalizeLanguage(t.Lang)
	if lang == "" {
		lang = feedback.NormalizeLanguage(owner.Language)
	}
	return feedback.Record{
		OwnerID:  owner.ID,
		NativeID: feedback.NativeID(feedback.SourceTwitter, t.ID),
		Source:   feedback.SourceTwitter,
		PostedAt: posted,
		Body:     strings.TrimSpace(t.Text),
		Author:   t.Author.UserName,
		URL:      link,
		Language: lang,
	}
}
