package trustpilot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	collyfetcher "github.com/JakeFAU/feedback-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const pageTemplate = `<!DOCTYPE html><html><head><title>Acme Reviews</title></head><body>
<div class="review-list">rendered markup is ignored</div>
<script id="__NEXT_DATA__" type="application/json">%s</script>
</body></html>`

const pageOne = `{"props":{"pageProps":{"reviews":[
 {"id":"r1","text":"Driver was friendly","rating":5,"title":"Great ride","language":"en",
  "dates":{"publishedDate":"2024-03-01T10:00:00.000Z"},"consumer":{"displayName":"Ann"},
  "reply":{"message":"Thanks Ann!"}},
 {"id":"r2","text":"Charged twice","rating":1,"title":"Billing","language":"da",
  "dates":{"publishedDate":"2024-03-02T11:00:00.000Z"},"consumer":{"displayName":"Bo"},"reply":null}
],"filters":{"pagination":{"currentPage":1,"totalPages":2}}}}}`

const pageTwo = `{"props":{"pageProps":{"reviews":[
 {"id":"r3","text":"Fine","rating":3,"title":"Ok","language":"en",
  "dates":{"publishedDate":"2024-03-03T12:00:00.000Z"},"consumer":{"displayName":"Cy"}}
],"filters":{"pagination":{"currentPage":2,"totalPages":2}}}}}`

func newAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL}, collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}, nil))
}

func servePages(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/review/acme.com" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch r.URL.Query().Get("page") {
	case "":
		_, _ = fmt.Fprintf(w, pageTemplate, pageOne)
	case "2":
		_, _ = fmt.Fprintf(w, pageTemplate, pageTwo)
	default:
		http.NotFound(w, r)
	}
}

func TestFetchWalksPagesWithOffset(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, servePages)
	owner := feedback.Owner{ID: uuid.New(), WebsiteDomain: "acme.com", Language: "en"}

	batch, err := a.Fetch(context.Background(), owner, feedback.Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	rec := batch.Records[0]
	require.Equal(t, "trustpilot:r1", rec.NativeID)
	require.Equal(t, "Great ride", rec.Title)
	require.Equal(t, "Ann", rec.Author)
	require.Equal(t, 5.0, *rec.Rating)
	require.JSONEq(t, `["Thanks Ann!"]`, string(rec.RawComments))
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rec.PostedAt)
	require.Equal(t, feedback.Cursor{Page: 1, Offset: 1}, batch.Next)
	require.False(t, batch.Exhausted)

	batch, err = a.Fetch(context.Background(), owner, batch.Next, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "da", batch.Records[0].Language)
	require.Nil(t, batch.Records[0].RawComments)
	require.Equal(t, feedback.Cursor{Page: 2}, batch.Next)
	require.False(t, batch.Exhausted)

	batch, err = a.Fetch(context.Background(), owner, batch.Next, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.True(t, batch.Exhausted, "last page per pagination block")
}

func TestFetchMissingPageIsExhausted(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, servePages)
	batch, err := a.Fetch(context.Background(),
		feedback.Owner{ID: uuid.New(), WebsiteDomain: "acme.com"}, feedback.Cursor{Page: 7}, 10)
	require.NoError(t, err)
	require.True(t, batch.Exhausted)
	require.Empty(t, batch.Records)
}

func TestFetchServerErrorFails(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := a.Fetch(context.Background(), feedback.Owner{ID: uuid.New(), WebsiteDomain: "acme.com"}, feedback.Cursor{}, 10)
	var statusErr *source.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusForbidden, statusErr.Code)
}

func TestFetchRequiresDomain(t *testing.T) {
	t.Parallel()

	a := New(Config{}, collyfetcher.New(collyfetcher.Config{}, nil))
	_, err := a.Fetch(context.Background(), feedback.Owner{ID: uuid.New()}, feedback.Cursor{}, 10)
	require.True(t, errors.Is(err, feedback.ErrMissingConfig))
}
