// Package reddit reads the "new" listing of an owner's subreddit through the
// Reddit OAuth API using the client-credentials grant.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const (
	defaultAuthURL = "https://www.reddit.com"
	defaultAPIURL  = "https://oauth.reddit.com"
	maxListing     = 100
	// Tokens are refreshed this long before Reddit expires them.
	tokenSlack = time.Minute
)

// Config carries the API credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	APIURL       string
	// FetchComments pulls each post's comment thread into RawComments.
	FetchComments bool
	// CommentLimit caps the comments fetched per post.
	CommentLimit int
}

// Adapter implements feedback.SourceAdapter for Reddit.
type Adapter struct {
	cfg    Config
	client *source.Client
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New builds an Adapter.
func New(cfg Config, client *source.Client) *Adapter {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.CommentLimit <= 0 {
		cfg.CommentLimit = 20
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Adapter{cfg: cfg, client: client, now: time.Now}
}

// Source implements feedback.SourceAdapter.
func (a *Adapter) Source() feedback.Source {
	return feedback.SourceReddit
}

type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string `json:"kind"`
			Data post   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Score      float64 `json:"score"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
	Author     string  `json:"author"`
	Lang       string  `json:"lang"`
}

// Fetch returns the next page of the subreddit's newest posts. The listing's
// "after" fullname is carried in Cursor.Token.
func (a *Adapter) Fetch(
	ctx context.Context,
	owner feedback.Owner,
	cursor feedback.Cursor,
	maxCount int,
) (feedback.Batch, error) {
	sub := strings.TrimPrefix(strings.TrimSpace(owner.Subreddit), "r/")
	if sub == "" {
		return feedback.Batch{}, fmt.Errorf("subreddit: %w", feedback.ErrMissingConfig)
	}
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return feedback.Batch{}, fmt.Errorf("reddit credentials: %w", feedback.ErrMissingConfig)
	}
	limit := maxCount
	if limit <= 0 || limit > maxListing {
		limit = maxListing
	}
	header, err := a.authHeader(ctx)
	if err != nil {
		return feedback.Batch{}, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")
	if cursor.Token != "" {
		q.Set("after", cursor.Token)
	}
	var page listing
	endpoint := fmt.Sprintf("%s/r/%s/new?%s", a.cfg.APIURL, url.PathEscape(sub), q.Encode())
	if err := a.client.GetJSON(ctx, endpoint, header, &page); err != nil {
		return feedback.Batch{}, fmt.Errorf("fetch subreddit %s: %w", sub, err)
	}

	records := make([]feedback.Record, 0, len(page.Data.Children))
	for _, child := range page.Data.Children {
		if child.Kind != "t3" || child.Data.ID == "" {
			continue
		}
		var comments json.RawMessage
		if a.cfg.FetchComments {
			comments, err = a.comments(ctx, header, sub, child.Data.ID)
			if err != nil {
				return feedback.Batch{}, err
			}
		}
		records = append(records, toRecord(owner, child.Data, comments))
	}
	next := feedback.Cursor{Token: page.Data.After}
	return feedback.Batch{
		Records:   records,
		Next:      next,
		Exhausted: page.Data.After == "" || len(page.Data.Children) == 0,
	}, nil
}

func toRecord(owner feedback.Owner, p post, comments json.RawMessage) feedback.Record {
	score := p.Score
	link := p.URL
	if p.Permalink != "" {
		link = "https://www.reddit.com" + p.Permalink
	}
	lang := feedback.NormalizeLanguage(p.Lang)
	if lang == "" {
		lang = feedback.NormalizeLanguage(owner.Language)
	}
	return feedback.Record{
		OwnerID:     owner.ID,
		NativeID:    feedback.NativeID(feedback.SourceReddit, p.ID),
		Source:      feedback.SourceReddit,
		PostedAt:    time.Unix(int64(p.CreatedUTC), 0).UTC(),
		Rating:      &score,
		Body:        strings.TrimSpace(p.Selftext),
		Title:       strings.TrimSpace(p.Title),
		Author:      p.Author,
		URL:         link,
		RawComments: comments,
		Language:    lang,
	}
}

// comments flattens the post's comment tree into a JSON array of bodies.
func (a *Adapter) comments(ctx context.Context, header http.Header, sub, id string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s?limit=%d&raw_json=1",
		a.cfg.APIURL, url.PathEscape(sub), url.PathEscape(id), a.cfg.CommentLimit)
	var thread []listingNode
	if err := a.client.GetJSON(ctx, endpoint, header, &thread); err != nil {
		return nil, fmt.Errorf("fetch comments for %s: %w", id, err)
	}
	var bodies []string
	for _, l := range thread {
		bodies = collectBodies(l, bodies, a.cfg.CommentLimit)
	}
	if len(bodies) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(bodies)
	if err != nil {
		return nil, fmt.Errorf("encode comments: %w", err)
	}
	return out, nil
}

type listingNode struct {
	Kind string `json:"kind"`
	Data struct {
		Body     string          `json:"body"`
		Children []listingNode   `json:"children"`
		Replies  json.RawMessage `json:"replies"`
	} `json:"data"`
}

func collectBodies(n listingNode, acc []string, limit int) []string {
	if len(acc) >= limit {
		return acc
	}
	if n.Kind == "t1" && strings.TrimSpace(n.Data.Body) != "" {
		acc = append(acc, strings.TrimSpace(n.Data.Body))
	}
	for _, child := range n.Data.Children {
		acc = collectBodies(child, acc, limit)
	}
	// Replies is "" for leaf comments and a Listing otherwise.
	if len(n.Data.Replies) > 0 && n.Data.Replies[0] == '{' {
		var replies listingNode
		if err := json.Unmarshal(n.Data.Replies, &replies); err == nil {
			acc = collectBodies(replies, acc, limit)
		}
	}
	return acc
}

func (a *Adapter) authHeader(ctx context.Context) (http.Header, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// accessToken returns a cached application token, refreshing it when it is
// close to expiry.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Before(a.expires) {
		return a.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	body, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.cfg.AuthURL+"/api/v1/access_token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("reddit access token: %w", err)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode reddit token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("reddit token rejected: %s", tok.Error)
	}
	ttl := time.Duration(tok.ExpiresIn)*time.Second - tokenSlack
	if ttl < 0 {
		ttl = 0
	}
	a.token = tok.AccessToken
	a.expires = a.now().Add(ttl)
	return a.token, nil
}
