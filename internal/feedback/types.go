package feedback

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Source identifies an external feedback provider.
type Source string

// Supported sources. Ingestion visits them in the order returned by Sources.
const (
	SourceAppStore   Source = "app_store"
	SourceGooglePlay Source = "google_play"
	SourceReddit     Source = "reddit"
	SourceTrustpilot Source = "trustpilot"
	SourceTwitter    Source = "twitter"
)

var sourceOrder = []Source{
	SourceAppStore,
	SourceGooglePlay,
	SourceReddit,
	SourceTrustpilot,
	SourceTwitter,
}

// Sources returns every source in ingestion priority order.
func Sources() []Source {
	return append([]Source(nil), sourceOrder...)
}

// Index returns the 1-based priority of the source, or 0 when unknown.
func (s Source) Index() int {
	for i, src := range sourceOrder {
		if src == s {
			return i + 1
		}
	}
	return 0
}

// ParseSource converts a config or API string into a Source.
func ParseSource(raw string) (Source, error) {
	candidate := Source(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Index() == 0 {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return candidate, nil
}

// Owner is the business on whose behalf feedback is collected.
type Owner struct {
	ID          uuid.UUID `json:"id"`
	CompanyName string    `json:"company_name"`
	// WebsiteDomain drives the Trustpilot lookup (e.g. uber.com).
	WebsiteDomain   string `json:"website_domain"`
	GooglePlayAppID string `json:"google_play_app_id"`
	AppStoreID      string `json:"app_store_id"`
	AppStoreName    string `json:"app_store_name"`
	Subreddit       string `json:"subreddit"`
	TwitterQuery    string `json:"twitter_query"`
	// Country and Language are ISO codes used by store adapters.
	Country   string    `json:"country"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is a normalized feedback item. (OwnerID, NativeID) is unique.
type Record struct {
	// ID is the surrogate key assigned by the store in creation order.
	ID       int64     `json:"id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	NativeID string    `json:"native_id"`
	Source   Source    `json:"source"`
	PostedAt time.Time `json:"posted_at"`
	Rating   *float64  `json:"rating,omitempty"`
	Body     string    `json:"body"`
	Title    string    `json:"title,omitempty"`
	Author   string    `json:"author,omitempty"`
	URL      string    `json:"url"`
	// RawComments holds the source's reply thread as a JSON array.
	RawComments json.RawMessage `json:"raw_comments,omitempty"`
	Language    string          `json:"language,omitempty"`
	Sentiment   *string         `json:"sentiment,omitempty"`
	Category    *string         `json:"category,omitempty"`
	Embedding   []float32       `json:"embedding,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Labeled reports whether the enrichment labels have been written.
func (r Record) Labeled() bool {
	return r.Sentiment != nil
}

// SameContent reports whether two versions of a record carry identical
// source data. Enrichment fields and store-assigned fields are ignored.
func (r Record) SameContent(other Record) bool {
	if r.Body != other.Body || r.Title != other.Title || r.Author != other.Author || r.URL != other.URL {
		return false
	}
	if !r.PostedAt.Equal(other.PostedAt) || r.Language != other.Language {
		return false
	}
	switch {
	case r.Rating == nil && other.Rating == nil:
	case r.Rating == nil || other.Rating == nil:
		return false
	case *r.Rating != *other.Rating:
		return false
	}
	return string(NormalizeComments(r.RawComments)) == string(NormalizeComments(other.RawComments))
}

// NormalizeComments returns "[]" for empty comment blobs so stores never
// persist NULL for the column.
func NormalizeComments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("[]")
	}
	return raw
}

// NormalizeLanguage reduces a locale such as "en-US" to its base ISO 639
// code. Unparseable input yields an empty string.
func NormalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return ""
	}
	base, confidence := parsed.Base()
	if confidence == language.No {
		return ""
	}
	return base.String()
}

// NativeID prefixes a provider identifier with its source so ids from
// different providers can never collide for the same owner.
func NativeID(src Source, id string) string {
	return string(src) + ":" + id
}
