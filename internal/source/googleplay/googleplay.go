// Package googleplay pages through Google Play reviews using the store's
// batchexecute endpoint. The continuation token, language, country and sort
// order travel in the cursor so a resumed run continues the same listing.
package googleplay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const (
	defaultBaseURL = "https://play.google.com"
	// The endpoint rejects counts above 199.
	maxPerRequest  = 199
	sortNewest     = 2
	rpcID          = "UsvDTd"
)

var errUnexpectedPayload = errors.New("unexpected batchexecute payload")

// Config controls the adapter.
type Config struct {
	BaseURL string
	// Sort is the Play sort order (1 relevance, 2 newest, 3 rating).
	Sort int
}

// Adapter implements feedback.SourceAdapter for Google Play.
type Adapter struct {
	client  *source.Client
	baseURL string
	sort    int
}

// New builds an Adapter.
func New(cfg Config, client *source.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Sort == 0 {
		cfg.Sort = sortNewest
	}
	return &Adapter{client: client, baseURL: strings.TrimRight(cfg.BaseURL, "/"), sort: cfg.Sort}
}

// Source implements feedback.SourceAdapter.
func (a *Adapter) Source() feedback.Source {
	return feedback.SourceGooglePlay
}

// Fetch requests one page of up to min(maxCount, 199) reviews.
func (a *Adapter) Fetch(
	ctx context.Context,
	owner feedback.Owner,
	cursor feedback.Cursor,
	maxCount int,
) (feedback.Batch, error) {
	if owner.GooglePlayAppID == "" {
		return feedback.Batch{}, fmt.Errorf("google play app id: %w", feedback.ErrMissingConfig)
	}
	next := a.resolveCursor(owner, cursor)
	count := maxCount
	if count <= 0 || count > maxPerRequest {
		count = maxPerRequest
	}
	sortOrder, err := strconv.Atoi(next.Sort)
	if err != nil {
		sortOrder = a.sort
	}

	form := url.Values{"f.req": {buildRequest(owner.GooglePlayAppID, sortOrder, count, next.Token)}}
	endpoint := fmt.Sprintf("%s/_/PlayStoreUi/data/batchexecute?hl=%s&gl=%s",
		a.baseURL, url.QueryEscape(next.Lang), url.QueryEscape(next.Country))
	body, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
		return req, nil
	})
	if err != nil {
		return feedback.Batch{}, fmt.Errorf("fetch google play reviews: %w", err)
	}

	reviews, token, err := parseResponse(body)
	if err != nil {
		return feedback.Batch{}, fmt.Errorf("parse google play reviews: %w", err)
	}
	records := make([]feedback.Record, 0, len(reviews))
	for _, r := range reviews {
		if rec, ok := toRecord(owner, next, r); ok {
			records = append(records, rec)
		}
	}
	next.Token = token
	return feedback.Batch{
		Records:   records,
		Next:      next,
		Exhausted: token == "" || len(reviews) == 0,
	}, nil
}

func (a *Adapter) resolveCursor(owner feedback.Owner, cursor feedback.Cursor) feedback.Cursor {
	next := cursor
	if next.Lang == "" {
		next.Lang = feedback.NormalizeLanguage(owner.Language)
	}
	if next.Lang == "" {
		next.Lang = "en"
	}
	if next.Country == "" {
		next.Country = strings.ToLower(owner.Country)
	}
	if next.Country == "" {
		next.Country = "us"
	}
	if next.Sort == "" {
		next.Sort = strconv.Itoa(a.sort)
	}
	return next
}

func buildRequest(appID string, sortOrder, count int, token string) string {
	tokenJSON := "null"
	if token != "" {
		encoded, _ := json.Marshal(token)
		tokenJSON = string(encoded)
	}
	inner := fmt.Sprintf(`[null,null,[2,%d,[%d,null,%s],null,[]],[%q,7]]`, sortOrder, count, tokenJSON, appID)
	outer, _ := json.Marshal([]any{[]any{[]any{rpcID, inner, nil, "generic"}}})
	return string(outer)
}

// parseResponse unwraps the ")]}'" guarded envelope. The envelope's
// [0][2] element is itself a JSON document whose [0] is the review list.
func parseResponse(body []byte) ([][]any, string, error) {
	text := strings.TrimPrefix(strings.TrimSpace(string(body)), ")]}'")
	dec := json.NewDecoder(strings.NewReader(text))
	var envelope []any
	if err := dec.Decode(&envelope); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}
	payload, ok := str(at(envelope, 0, 2))
	if !ok {
		// No payload means the listing is exhausted.
		return nil, "", nil
	}
	var inner []any
	if err := json.Unmarshal([]byte(payload), &inner); err != nil {
		return nil, "", fmt.Errorf("decode payload: %w", err)
	}
	rawReviews, ok := at(inner, 0).([]any)
	if !ok && at(inner, 0) != nil {
		return nil, "", errUnexpectedPayload
	}
	reviews := make([][]any, 0, len(rawReviews))
	for _, r := range rawReviews {
		if review, ok := r.([]any); ok {
			reviews = append(reviews, review)
		}
	}
	return reviews, continuationToken(inner), nil
}

// continuationToken reads the token from the tail of the payload. It usually
// sits at [-2][-1]; some responses carry it in the final element instead. A
// non-string value there marks the last page.
func continuationToken(inner []any) string {
	for _, back := range []int{2, 1} {
		if len(inner) < back {
			continue
		}
		tail, _ := inner[len(inner)-back].([]any)
		if len(tail) == 0 {
			continue
		}
		if token, ok := str(tail[len(tail)-1]); ok {
			return token
		}
	}
	return ""
}

func toRecord(owner feedback.Owner, cursor feedback.Cursor, r []any) (feedback.Record, bool) {
	id, ok := str(at(r, 0))
	if !ok || id == "" {
		return feedback.Record{}, false
	}
	body, _ := str(at(r, 4))
	author, _ := str(at(r, 1, 0))
	var rating *float64
	if score, ok := at(r, 2).(float64); ok {
		rating = &score
	}
	var posted time.Time
	if secs, ok := at(r, 5, 0).(float64); ok {
		posted = time.Unix(int64(secs), 0).UTC()
	}
	var comments json.RawMessage
	if reply, ok := str(at(r, 7, 1)); ok && reply != "" {
		comments, _ = json.Marshal([]string{reply})
	}
	return feedback.Record{
		OwnerID:     owner.ID,
		NativeID:    feedback.NativeID(feedback.SourceGooglePlay, id),
		Source:      feedback.SourceGooglePlay,
		PostedAt:    posted,
		Rating:      rating,
		Body:        body,
		Author:      author,
		URL:         fmt.Sprintf("https://play.google.com/store/apps/details?id=%s&reviewId=%s", url.QueryEscape(owner.GooglePlayAppID), url.QueryEscape(id)),
		RawComments: comments,
		Language:    cursor.Lang,
	}, true
}

// at walks nested JSON arrays, returning nil when any index is out of range.
func at(v any, path ...int) any {
	for _, i := range path {
		arr, ok := v.([]any)
		if !ok || i < 0 || i >= len(arr) {
			return nil
		}
		v = arr[i]
	}
	return v
}

func str(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
