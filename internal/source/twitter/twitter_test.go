package twitter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
)

const searchPage = `{"tweets":[
 {"id":"111","url":"https://x.com/ann/status/111","text":"acme app is slow today","createdAt":"Tue Jan 14 20:01:02 +0000 2025","lang":"en","likeCount":14,"author":{"userName":"ann"}},
 {"id":"222","text":"acme support fixed my issue","createdAt":"Tue Jan 14 21:00:00 +0000 2025","lang":"und","author":{"userName":"bo"}}
],"has_next_page":true,"next_cursor":"CUR-2"}`

const lastSearchPage = `{"tweets":[
 {"id":"333","text":"acme again","createdAt":"Wed Jan 15 08:00:00 +0000 2025","lang":"en","author":{"userName":"cy"}}
],"has_next_page":false,"next_cursor":""}`

type recorder struct {
	mu      sync.Mutex
	queries []string
	cursors []string
}

func newAdapter(t *testing.T, rec *recorder) *Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		rec.mu.Lock()
		rec.queries = append(rec.queries, q.Get("query"))
		rec.cursors = append(rec.cursors, q.Get("cursor"))
		rec.mu.Unlock()
		if q.Get("cursor") == "CUR-2" {
			_, _ = w.Write([]byte(lastSearchPage))
			return
		}
		_, _ = w.Write([]byte(searchPage))
	}))
	t.Cleanup(srv.Close)
	client := source.NewClient(source.ClientConfig{}, srv.Client(), nil, zap.NewNop())
	return New(Config{APIKey: "key", BaseURL: srv.URL, QuerySuffix: "-is:retweet"}, client)
}

func TestFetchPagesThroughCursor(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a := newAdapter(t, rec)
	owner := feedback.Owner{ID: uuid.New(), CompanyName: "Acme", Language: "en"}

	batch, err := a.Fetch(context.Background(), owner, feedback.Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	first := batch.Records[0]
	require.Equal(t, "twitter:111", first.NativeID)
	require.Equal(t, "ann", first.Author)
	require.Equal(t, "https://x.com/ann/status/111", first.URL)
	require.Equal(t, time.Date(2025, 1, 14, 20, 1, 2, 0, time.UTC), first.PostedAt)
	require.Equal(t, feedback.Cursor{Offset: 1}, batch.Next)
	require.False(t, batch.Exhausted)

	batch, err = a.Fetch(context.Background(), owner, batch.Next, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "https://x.com/bo/status/222", batch.Records[0].URL)
	require.Equal(t, "en", batch.Records[0].Language, "undetermined language falls back to the owner")
	require.Equal(t, feedback.Cursor{Token: "CUR-2"}, batch.Next)
	require.False(t, batch.Exhausted)

	batch, err = a.Fetch(context.Background(), owner, batch.Next, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.True(t, batch.Exhausted)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "Acme -is:retweet", rec.queries[0])
	require.Equal(t, []string{"", "", "CUR-2"}, rec.cursors)
}

func TestFetchPrefersExplicitQuery(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a := newAdapter(t, rec)
	owner := feedback.Owner{ID: uuid.New(), CompanyName: "Acme", TwitterQuery: "+acme -stock"}

	_, err := a.Fetch(context.Background(), owner, feedback.Cursor{Token: "CUR-2"}, 10)
	require.NoError(t, err)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "+acme -stock -is:retweet", rec.queries[0])
}

func TestFetchRequiresKeyAndQuery(t *testing.T) {
	t.Parallel()

	client := source.NewClient(source.ClientConfig{}, nil, nil, nil)
	_, err := New(Config{}, client).Fetch(context.Background(), feedback.Owner{ID: uuid.New(), CompanyName: "Acme"}, feedback.Cursor{}, 10)
	require.True(t, errors.Is(err, feedback.ErrMissingConfig))

	_, err = New(Config{APIKey: "key"}, client).Fetch(context.Background(), feedback.Owner{ID: uuid.New()}, feedback.Cursor{}, 10)
	require.True(t, errors.Is(err, feedback.ErrMissingConfig))
}
