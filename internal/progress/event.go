// Package progress defines the lifecycle events emitted while a pipeline runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunRetry      Stage = "RUN_RETRY"
	StageRunDone       Stage = "RUN_DONE"
	StageRunFailed     Stage = "RUN_FAILED"
	StageStepDone      Stage = "STEP_DONE"
	StageStepFailed    Stage = "STEP_FAILED"
	StageSubstepStart  Stage = "SUBSTEP_START"
	StageSubstepDone   Stage = "SUBSTEP_DONE"
	StageSubstepFailed Stage = "SUBSTEP_FAILED"
	StageBatch         Stage = "BATCH_COMMITTED"
	StageEnrichPass    Stage = "ENRICH_PASS"
)

// Terminal reports whether the stage ends a pipeline run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunFailed
}

// Event captures one pipeline milestone for an owner.
type Event struct {
	OwnerID    uuid.UUID
	Generation int
	// TS is the UTC time recorded by the emitter.
	TS    time.Time
	Stage Stage
	Step  feedback.Step
	// Source scopes sub-step and batch events.
	Source feedback.Source
	// Inserted/Updated/Unchanged carry batch upsert tallies; Labeled and
	// Embedded are reused by enrichment passes.
	Inserted  int64
	Updated   int64
	Unchanged int64
	Labeled   int64
	Embedded  int64
	// Attempt is the persisted retry count at the time of the event.
	Attempt int
	Dur     time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunRetry, StageRunDone, StageRunFailed:
		if e.OwnerID == uuid.Nil {
			return errors.New("owner id is required")
		}
	case StageStepDone, StageStepFailed:
		if e.OwnerID == uuid.Nil {
			return errors.New("owner id is required")
		}
		if e.Step < feedback.StepIngestion || e.Step > feedback.LastStep {
			return fmt.Errorf("step %d out of range", int(e.Step))
		}
	case StageSubstepStart, StageSubstepDone, StageSubstepFailed, StageBatch:
		if e.OwnerID == uuid.Nil {
			return errors.New("owner id is required")
		}
		if e.Source.Index() == 0 {
			return fmt.Errorf("%s requires a known source", e.Stage)
		}
	case StageEnrichPass:
		// Enrichment runs across owners.
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
