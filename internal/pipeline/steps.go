package pipeline

import (
	"context"
	"errors"

	"github.com/JakeFAU/feedback-pipeline/internal/enrich"
	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ingest"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
)

// StepHandler runs one top-level step for an owner.
type StepHandler interface {
	Run(ctx context.Context, owner feedback.Owner) Result
}

// StepFunc adapts a function to StepHandler.
type StepFunc func(ctx context.Context, owner feedback.Owner) Result

// Run implements StepHandler.
func (f StepFunc) Run(ctx context.Context, owner feedback.Owner) Result {
	return f(ctx, owner)
}

// IngestionStep wraps the multi-source step runner.
func IngestionStep(runner *ingest.Runner) StepHandler {
	return StepFunc(func(ctx context.Context, owner feedback.Owner) Result {
		return classify(runner.Run(ctx, owner))
	})
}

// EnrichmentStep wraps the enrichment job and records its tallies on the
// ledger. The job only counts guarded writes, so adding each attempt's
// tallies counts every record once across retries and re-runs. Partial
// tallies from a failed attempt are kept.
func EnrichmentStep(job *enrich.Job, ledgerSvc *ledger.Service) StepHandler {
	return StepFunc(func(ctx context.Context, owner feedback.Owner) Result {
		res, runErr := job.Run(ctx)
		var tallyErr error
		if res.Labeled > 0 || res.Embedded > 0 {
			_, tallyErr = ledgerSvc.Update(context.WithoutCancel(ctx), owner.ID, func(l *feedback.Ledger) error {
				l.Steps.Enrichment.Labeled += res.Labeled
				l.Steps.Enrichment.Embedded += res.Embedded
				return nil
			})
		}
		return classify(errors.Join(runErr, tallyErr))
	})
}

// classify maps a step error to a Result. Completed ledgers can never make
// progress again, so that case is fatal; everything else consumes a retry.
func classify(err error) Result {
	switch {
	case err == nil:
		return OK()
	case errors.Is(err, feedback.ErrLedgerCompleted):
		return Fatal(err)
	default:
		return Retryable(err, 0)
	}
}

// failedStepName labels a failure for the ledger's failed_step field.
func failedStepName(step feedback.Step, err error) (string, feedback.Source) {
	var subErr *ingest.SubstepError
	if errors.As(err, &subErr) {
		return step.String() + "." + string(subErr.Source), subErr.Source
	}
	return step.String(), ""
}
