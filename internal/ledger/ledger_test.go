package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/storage/memory"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newService() *Service {
	return New(memory.NewLedgerStore(), &fakeClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService()
	owner := uuid.New()

	_, err := svc.Get(ctx, owner)
	require.ErrorIs(t, err, store.ErrNotFound)

	first, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, feedback.OverallPending, first.OverallStatus)
	require.Equal(t, feedback.StepIngestion, first.CurrentStep)
	require.Equal(t, 1, first.Generation)

	_, err = svc.SetOverall(ctx, owner, feedback.OverallInProgress, "")
	require.NoError(t, err)

	second, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 1, second.Generation)
	require.Equal(t, feedback.OverallInProgress, second.OverallStatus)
}

func TestInitializeSupersedesFailedLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService()
	owner := uuid.New()

	_, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)
	_, err = svc.SetOverall(ctx, owner, feedback.OverallFailed, "boom")
	require.NoError(t, err)

	fresh, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 2, fresh.Generation)
	require.Equal(t, feedback.OverallPending, fresh.OverallStatus)

	history, err := svc.History(ctx, owner)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, feedback.OverallFailed, history[1].OverallStatus)
}

func TestMutationsPersistAndRespectTerminalState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService()
	owner := uuid.New()
	_, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)

	_, err = svc.StartIngestion(ctx, owner)
	require.NoError(t, err)
	_, err = svc.SaveCursor(ctx, owner, feedback.SourceGooglePlay, feedback.Cursor{Token: "abc"}, 150)
	require.NoError(t, err)
	_, err = svc.MarkSubstep(ctx, owner, feedback.SourceGooglePlay, feedback.StatusFailed, "timeout")
	require.NoError(t, err)
	_, err = svc.IncrementRetry(ctx, owner)
	require.NoError(t, err)

	l, err := svc.Get(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "abc", l.Steps.Ingestion.GooglePlay.Cursor.Token)
	require.Equal(t, 150, l.Steps.Ingestion.GooglePlay.Collected)
	require.Equal(t, feedback.StatusFailed, l.Steps.Ingestion.GooglePlay.Status)
	require.Equal(t, 1, l.RetryCount)

	_, err = svc.Advance(ctx, owner, feedback.StepEnrichment)
	require.ErrorIs(t, err, feedback.ErrStepIncomplete)

	_, err = svc.MarkStep(ctx, owner, feedback.StepIngestion, feedback.StatusCompleted)
	require.NoError(t, err)
	_, err = svc.Advance(ctx, owner, feedback.StepEnrichment)
	require.NoError(t, err)
	_, err = svc.MarkStep(ctx, owner, feedback.StepEnrichment, feedback.StatusCompleted)
	require.NoError(t, err)
	_, err = svc.Advance(ctx, owner, feedback.LastStep+1)
	require.NoError(t, err)
	_, err = svc.SetOverall(ctx, owner, feedback.OverallCompleted, "")
	require.NoError(t, err)

	_, err = svc.MarkStep(ctx, owner, feedback.StepIngestion, feedback.StatusFailed)
	require.ErrorIs(t, err, feedback.ErrLedgerCompleted)

	final, err := svc.Get(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, feedback.StatusCompleted, final.Steps.Ingestion.Status)
	require.Equal(t, feedback.LastStep+1, final.CurrentStep)

	again, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 1, again.Generation)
}

func TestSupersedeStartsNewGeneration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService()
	owner := uuid.New()

	created, err := svc.Supersede(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 1, created.Generation)

	next, err := svc.Supersede(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 2, next.Generation)
}

// racingRepo lets another initializer win just before each rotation.
type racingRepo struct {
	*memory.LedgerStore
}

func (r racingRepo) RotateLedger(ctx context.Context, ownerID uuid.UUID, retire int, at time.Time) (feedback.Ledger, error) {
	if _, err := r.LedgerStore.RotateLedger(ctx, ownerID, retire, at); err != nil {
		return feedback.Ledger{}, err
	}
	return r.LedgerStore.RotateLedger(ctx, ownerID, retire, at)
}

func TestInitializeReturnsWinnerOnRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := New(racingRepo{memory.NewLedgerStore()}, &fakeClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	owner := uuid.New()

	got, err := svc.Initialize(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 1, got.Generation)

	history, err := svc.History(ctx, owner)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
