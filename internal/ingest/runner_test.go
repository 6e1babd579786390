package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
	"github.com/JakeFAU/feedback-pipeline/internal/storage/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }

type fetchCall struct {
	cursor   feedback.Cursor
	maxCount int
}

// pagedAdapter serves fixed pages addressed by Cursor.Page.
type pagedAdapter struct {
	src   feedback.Source
	pages [][]feedback.Record
	err   error

	mu    sync.Mutex
	calls []fetchCall
}

func (a *pagedAdapter) Source() feedback.Source { return a.src }

func (a *pagedAdapter) Fetch(
	_ context.Context,
	owner feedback.Owner,
	cursor feedback.Cursor,
	maxCount int,
) (feedback.Batch, error) {
	a.mu.Lock()
	a.calls = append(a.calls, fetchCall{cursor: cursor, maxCount: maxCount})
	a.mu.Unlock()
	if a.err != nil {
		return feedback.Batch{}, a.err
	}
	if cursor.Page >= len(a.pages) {
		return feedback.Batch{Next: cursor, Exhausted: true}, nil
	}
	page := a.pages[cursor.Page]
	if len(page) > maxCount {
		page = page[:maxCount]
	}
	out := make([]feedback.Record, len(page))
	for i, rec := range page {
		rec.OwnerID = owner.ID
		out[i] = rec
	}
	next := feedback.Cursor{Page: cursor.Page + 1}
	return feedback.Batch{Records: out, Next: next, Exhausted: next.Page >= len(a.pages)}, nil
}

func (a *pagedAdapter) Calls() []fetchCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fetchCall(nil), a.calls...)
}

func makeRecords(src feedback.Source, prefix string, n int) []feedback.Record {
	out := make([]feedback.Record, n)
	for i := range out {
		out[i] = feedback.Record{
			NativeID: feedback.NativeID(src, fmt.Sprintf("%s-%d", prefix, i)),
			Body:     fmt.Sprintf("review %s %d", prefix, i),
			URL:      "https://example.com/" + prefix,
			PostedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		}
	}
	return out
}

type harness struct {
	ledger  *ledger.Service
	records *memory.RecordStore
	owner   feedback.Owner
}

func newHarness(t *testing.T) harness {
	t.Helper()
	svc := ledger.New(memory.NewLedgerStore(), fixedClock{}, zap.NewNop())
	owner := feedback.Owner{ID: uuid.New(), CompanyName: "Acme"}
	_, err := svc.Initialize(context.Background(), owner.ID)
	require.NoError(t, err)
	return harness{ledger: svc, records: memory.NewRecordStore(), owner: owner}
}

func (h harness) runner(t *testing.T, cfg Config, adapters ...feedback.SourceAdapter) *Runner {
	t.Helper()
	reg, err := source.NewRegistry(adapters...)
	require.NoError(t, err)
	return NewRunner(cfg, h.ledger, h.records, reg, fixedClock{}, zap.NewNop())
}

func exhausted(src feedback.Source) *pagedAdapter {
	return &pagedAdapter{src: src}
}

func TestRunScenarioGooglePlayTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	appStore := &pagedAdapter{src: feedback.SourceAppStore, pages: [][]feedback.Record{
		makeRecords(feedback.SourceAppStore, "a", 50),
	}}
	googlePlay := &pagedAdapter{src: feedback.SourceGooglePlay, err: context.DeadlineExceeded}
	reddit := exhausted(feedback.SourceReddit)
	r := h.runner(t, Config{}, appStore, googlePlay, reddit,
		exhausted(feedback.SourceTrustpilot), exhausted(feedback.SourceTwitter))

	err := r.Run(ctx, h.owner)
	var subErr *SubstepError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, feedback.SourceGooglePlay, subErr.Source)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l, err := h.ledger.Get(ctx, h.owner.ID)
	require.NoError(t, err)
	ing := l.Steps.Ingestion
	require.Equal(t, feedback.StatusCompleted, ing.AppStore.Status)
	require.Equal(t, 50, ing.AppStore.Collected)
	require.Equal(t, feedback.StatusFailed, ing.GooglePlay.Status)
	require.Contains(t, ing.GooglePlay.LastError, "deadline")
	require.Equal(t, feedback.StatusPending, ing.Reddit.Status)
	require.Equal(t, feedback.StatusPending, ing.Trustpilot.Status)
	require.Equal(t, feedback.StatusPending, ing.Twitter.Status)
	require.Empty(t, reddit.Calls())

	count, err := h.records.CountByOwner(ctx, h.owner.ID)
	require.NoError(t, err)
	require.Equal(t, 50, count)
}

func TestRunSkipsCompletedAndResumesFailedFromCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	appStore := &pagedAdapter{src: feedback.SourceAppStore, pages: [][]feedback.Record{
		makeRecords(feedback.SourceAppStore, "a", 5),
	}}
	googlePlay := &pagedAdapter{src: feedback.SourceGooglePlay, pages: [][]feedback.Record{
		makeRecords(feedback.SourceGooglePlay, "p0", 3),
		makeRecords(feedback.SourceGooglePlay, "p1", 3),
	}}
	others := []feedback.SourceAdapter{
		exhausted(feedback.SourceReddit), exhausted(feedback.SourceTrustpilot), exhausted(feedback.SourceTwitter),
	}

	// First attempt: Google Play fails after the cursor was saved at page 1.
	_, err := h.ledger.StartIngestion(ctx, h.owner.ID)
	require.NoError(t, err)
	_, err = h.ledger.MarkSubstep(ctx, h.owner.ID, feedback.SourceAppStore, feedback.StatusCompleted, "")
	require.NoError(t, err)
	_, err = h.ledger.SaveCursor(ctx, h.owner.ID, feedback.SourceGooglePlay, feedback.Cursor{Page: 1}, 3)
	require.NoError(t, err)
	_, err = h.ledger.MarkSubstep(ctx, h.owner.ID, feedback.SourceGooglePlay, feedback.StatusFailed, "timeout")
	require.NoError(t, err)

	r := h.runner(t, Config{}, append([]feedback.SourceAdapter{appStore, googlePlay}, others...)...)
	require.NoError(t, r.Run(ctx, h.owner))

	require.Empty(t, appStore.Calls(), "completed sub-step is not re-invoked")
	calls := googlePlay.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, feedback.Cursor{Page: 1}, calls[0].cursor)

	l, err := h.ledger.Get(ctx, h.owner.ID)
	require.NoError(t, err)
	for _, src := range feedback.Sources() {
		require.Equal(t, feedback.StatusCompleted, l.Steps.Ingestion.Slot(src).Status, src)
	}
	require.Equal(t, feedback.Cursor{Page: 2}, l.Steps.Ingestion.GooglePlay.Cursor)
	require.Empty(t, l.Steps.Ingestion.GooglePlay.LastError)
}

func TestRunRespectsTargetAndBatchSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	pages := make([][]feedback.Record, 10)
	for i := range pages {
		pages[i] = makeRecords(feedback.SourceAppStore, fmt.Sprintf("pg%d", i), 10)
	}
	appStore := &pagedAdapter{src: feedback.SourceAppStore, pages: pages}
	cfg := Config{Sources: map[feedback.Source]SourceSettings{
		feedback.SourceAppStore: {Target: 25, BatchSize: 10},
	}}
	r := h.runner(t, cfg, appStore, exhausted(feedback.SourceGooglePlay), exhausted(feedback.SourceReddit),
		exhausted(feedback.SourceTrustpilot), exhausted(feedback.SourceTwitter))

	require.NoError(t, r.Run(ctx, h.owner))

	calls := appStore.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, []int{10, 10, 5}, []int{calls[0].maxCount, calls[1].maxCount, calls[2].maxCount})
	count, err := h.records.CountBySource(ctx, h.owner.ID, feedback.SourceAppStore)
	require.NoError(t, err)
	require.Equal(t, 25, count)
}

func TestRunIsIdempotentAcrossReingestion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	page := makeRecords(feedback.SourceReddit, "r", 4)
	build := func() []feedback.SourceAdapter {
		return []feedback.SourceAdapter{
			exhausted(feedback.SourceAppStore), exhausted(feedback.SourceGooglePlay),
			&pagedAdapter{src: feedback.SourceReddit, pages: [][]feedback.Record{page}},
			exhausted(feedback.SourceTrustpilot), exhausted(feedback.SourceTwitter),
		}
	}
	require.NoError(t, h.runner(t, Config{}, build()...).Run(ctx, h.owner))

	// A new generation replays the same provider data.
	_, err := h.ledger.Supersede(ctx, h.owner.ID)
	require.NoError(t, err)
	require.NoError(t, h.runner(t, Config{}, build()...).Run(ctx, h.owner))

	count, err := h.records.CountByOwner(ctx, h.owner.ID)
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestRunStopsAfterStaleBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	same := makeRecords(feedback.SourceTwitter, "t", 2)
	twitter := &pagedAdapter{src: feedback.SourceTwitter, pages: [][]feedback.Record{same, same, same, same, same, same}}
	r := h.runner(t, Config{MaxStaleBatches: 2},
		exhausted(feedback.SourceAppStore), exhausted(feedback.SourceGooglePlay), exhausted(feedback.SourceReddit),
		exhausted(feedback.SourceTrustpilot), twitter)

	require.NoError(t, r.Run(ctx, h.owner))
	require.Len(t, twitter.Calls(), 3, "one productive batch then two stale ones")
}

func TestRunMissingConfigFailsSubstep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	appStore := &pagedAdapter{src: feedback.SourceAppStore, err: fmt.Errorf("app store id: %w", feedback.ErrMissingConfig)}
	r := h.runner(t, Config{}, appStore)

	err := r.Run(ctx, h.owner)
	require.ErrorIs(t, err, feedback.ErrMissingConfig)
	l, err := h.ledger.Get(ctx, h.owner.ID)
	require.NoError(t, err)
	require.Equal(t, feedback.StatusFailed, l.Steps.Ingestion.AppStore.Status)
}

func TestRunUnregisteredSourceFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.runner(t, Config{}).Run(context.Background(), h.owner)
	var subErr *SubstepError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, feedback.SourceAppStore, subErr.Source)
	require.True(t, strings.Contains(err.Error(), "no adapter"))
}

func TestRunCancellationLeavesSubstepPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	appStore := &pagedAdapter{src: feedback.SourceAppStore, err: context.Canceled}
	err := h.runner(t, Config{}, appStore).Run(ctx, h.owner)
	require.ErrorIs(t, err, context.Canceled)

	l, err := h.ledger.Get(context.Background(), h.owner.ID)
	require.NoError(t, err)
	require.Equal(t, feedback.StatusPending, l.Steps.Ingestion.AppStore.Status)
}

func TestRunArchivesBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	blobs := memory.NewBlobStore()
	reg, err := source.NewRegistry(
		&pagedAdapter{src: feedback.SourceAppStore, pages: [][]feedback.Record{makeRecords(feedback.SourceAppStore, "a", 3)}},
		exhausted(feedback.SourceGooglePlay), exhausted(feedback.SourceReddit),
		exhausted(feedback.SourceTrustpilot), exhausted(feedback.SourceTwitter),
	)
	require.NoError(t, err)
	r := NewRunner(Config{}, h.ledger, h.records, reg, fixedClock{}, zap.NewNop(),
		WithArchiver(NewArchiver(blobs, "landing", fixedClock{})))

	require.NoError(t, r.Run(ctx, h.owner))
	paths := blobs.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "landing/"+h.owner.ID.String()+"/app_store/2025/02/03/"))
	data, contentType, ok := blobs.Object(paths[0])
	require.True(t, ok)
	require.Equal(t, "application/x-ndjson", contentType)
	require.Equal(t, 3, strings.Count(string(data), "\n"))
}
