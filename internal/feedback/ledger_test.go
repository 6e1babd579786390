package feedback

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStartIngestionInitializesSlotsOnce(t *testing.T) {
	t.Parallel()

	l := NewLedger(uuid.New(), 1, time.Unix(0, 0))
	require.False(t, l.Steps.Ingestion.Started)

	require.NoError(t, l.StartIngestion())
	for _, src := range Sources() {
		require.Equal(t, StatusPending, l.Steps.Ingestion.Slot(src).Status)
	}

	require.NoError(t, l.MarkSubstep(SourceAppStore, StatusCompleted, ""))
	require.NoError(t, l.StartIngestion())
	require.Equal(t, StatusCompleted, l.Steps.Ingestion.AppStore.Status)
}

func TestAdvanceRequiresCompletedSteps(t *testing.T) {
	t.Parallel()

	l := NewLedger(uuid.New(), 1, time.Unix(0, 0))
	err := l.Advance(StepEnrichment)
	require.ErrorIs(t, err, ErrStepIncomplete)
	require.Equal(t, StepIngestion, l.CurrentStep)

	require.NoError(t, l.MarkStep(StepIngestion, StatusCompleted))
	require.NoError(t, l.Advance(StepEnrichment))
	require.Equal(t, StepEnrichment, l.CurrentStep)

	require.ErrorIs(t, l.Advance(StepIngestion), ErrNonMonotonic)
}

func TestCompletedLedgerRejectsMutations(t *testing.T) {
	t.Parallel()

	l := NewLedger(uuid.New(), 1, time.Unix(0, 0))
	require.NoError(t, l.SetOverall(OverallCompleted, ""))

	require.ErrorIs(t, l.MarkStep(StepIngestion, StatusFailed), ErrLedgerCompleted)
	require.ErrorIs(t, l.MarkSubstep(SourceReddit, StatusFailed, "x"), ErrLedgerCompleted)
	require.ErrorIs(t, l.SaveCursor(SourceReddit, Cursor{Page: 2}, 1), ErrLedgerCompleted)
	require.ErrorIs(t, l.Advance(LastStep+1), ErrLedgerCompleted)
	require.ErrorIs(t, l.SetOverall(OverallFailed, "boom"), ErrLedgerCompleted)
	_, err := l.IncrementRetry()
	require.ErrorIs(t, err, ErrLedgerCompleted)
	require.Equal(t, StepIngestion, l.CurrentStep)
}

func TestSlotUnknownSource(t *testing.T) {
	t.Parallel()

	var step IngestionStep
	require.Nil(t, step.Slot(Source("myspace")))
	l := NewLedger(uuid.New(), 1, time.Unix(0, 0))
	require.Error(t, l.MarkSubstep(Source("myspace"), StatusFailed, ""))
}

func TestParseSourceAndOrder(t *testing.T) {
	t.Parallel()

	src, err := ParseSource(" Trustpilot ")
	require.NoError(t, err)
	require.Equal(t, SourceTrustpilot, src)
	require.Equal(t, 4, src.Index())

	_, err = ParseSource("yelp")
	require.Error(t, err)

	require.Equal(t, []Source{
		SourceAppStore, SourceGooglePlay, SourceReddit, SourceTrustpilot, SourceTwitter,
	}, Sources())
}

func TestRecordSameContent(t *testing.T) {
	t.Parallel()

	rating := 4.0
	other := 5.0
	base := Record{Body: "great", Rating: &rating, PostedAt: time.Unix(10, 0)}
	same := base
	same.RawComments = []byte("[]")
	require.True(t, base.SameContent(same))

	changed := base
	changed.Rating = &other
	require.False(t, base.SameContent(changed))

	unrated := base
	unrated.Rating = nil
	require.False(t, base.SameContent(unrated))
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "en", NormalizeLanguage("en-US"))
	require.Equal(t, "pt", NormalizeLanguage("pt-BR"))
	require.Equal(t, "", NormalizeLanguage(""))
	require.Equal(t, "", NormalizeLanguage("not a tag!"))
}
