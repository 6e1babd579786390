package feedback

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLedgerCompleted is returned for any mutation of a completed ledger.
	ErrLedgerCompleted = errors.New("ledger is completed")
	// ErrStepIncomplete is returned when advancing past a step that has not completed.
	ErrStepIncomplete = errors.New("step is not completed")
	// ErrNonMonotonic is returned when a step pointer would move backwards.
	ErrNonMonotonic = errors.New("current step cannot decrease")
)

// OverallStatus is the pipeline-level state of a ledger.
type OverallStatus string

// Overall statuses.
const (
	OverallPending    OverallStatus = "pending"
	OverallInProgress OverallStatus = "in_progress"
	OverallCompleted  OverallStatus = "completed"
	OverallFailed     OverallStatus = "failed"
)

// StepStatus is the state of a top-level step or an ingestion sub-step.
type StepStatus string

// Step statuses.
const (
	StatusPending   StepStatus = "pending"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// Step is a 1-based index into the ordered top-level step list.
type Step int

// Top-level steps in execution order.
const (
	StepIngestion  Step = 1
	StepEnrichment Step = 2

	// LastStep is the final top-level step.
	LastStep = StepEnrichment
)

func (s Step) String() string {
	switch s {
	case StepIngestion:
		return "ingestion"
	case StepEnrichment:
		return "enrichment"
	default:
		return fmt.Sprintf("step%d", int(s))
	}
}

// Cursor carries everything a source adapter needs to resume pagination.
// The zero value means "start from the first page". Offset counts the items
// of the current page that were already returned.
type Cursor struct {
	Page    int    `json:"page,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Token   string `json:"token,omitempty"`
	Lang    string `json:"lang,omitempty"`
	Country string `json:"country,omitempty"`
	Sort    string `json:"sort,omitempty"`
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c == Cursor{}
}

// SubstepState tracks one source within the ingestion step.
type SubstepState struct {
	Status    StepStatus `json:"status"`
	Cursor    Cursor     `json:"cursor"`
	Collected int        `json:"collected"`
	LastError string     `json:"last_error,omitempty"`
}

// IngestionStep holds one slot per source. Started is false until the step
// runner first enters the step.
type IngestionStep struct {
	Status     StepStatus   `json:"status"`
	Started    bool         `json:"started"`
	AppStore   SubstepState `json:"app_store"`
	GooglePlay SubstepState `json:"google_play"`
	Reddit     SubstepState `json:"reddit"`
	Trustpilot SubstepState `json:"trustpilot"`
	Twitter    SubstepState `json:"twitter"`
}

// Slot returns the state for the given source, or nil for an unknown one.
func (s *IngestionStep) Slot(src Source) *SubstepState {
	switch src {
	case SourceAppStore:
		return &s.AppStore
	case SourceGooglePlay:
		return &s.GooglePlay
	case SourceReddit:
		return &s.Reddit
	case SourceTrustpilot:
		return &s.Trustpilot
	case SourceTwitter:
		return &s.Twitter
	default:
		return nil
	}
}

// EnrichmentStep tracks the labeling/embedding step.
type EnrichmentStep struct {
	Status   StepStatus `json:"status"`
	Labeled  int        `json:"labeled"`
	Embedded int        `json:"embedded"`
}

// StepState is the persisted step_status document.
type StepState struct {
	Ingestion  IngestionStep  `json:"ingestion"`
	Enrichment EnrichmentStep `json:"enrichment"`
}

// Ledger is the per-owner progress record driving resumability.
type Ledger struct {
	OwnerID uuid.UUID
	// Generation increments every time a ledger is superseded.
	Generation    int
	OverallStatus OverallStatus
	CurrentStep   Step
	Steps         StepState
	RetryCount    int
	// FailedStep names the step (or "ingestion.<source>") that failed last.
	FailedStep string
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewLedger builds a fresh pending ledger for the owner.
func NewLedger(ownerID uuid.UUID, generation int, now time.Time) Ledger {
	return Ledger{
		OwnerID:       ownerID,
		Generation:    generation,
		OverallStatus: OverallPending,
		CurrentStep:   StepIngestion,
		Steps: StepState{
			Ingestion:  IngestionStep{Status: StatusPending},
			Enrichment: EnrichmentStep{Status: StatusPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the ledger is completed.
func (l *Ledger) Terminal() bool {
	return l.OverallStatus == OverallCompleted
}

// StepStatus returns the status of a top-level step.
func (l *Ledger) StepStatus(step Step) StepStatus {
	switch step {
	case StepIngestion:
		return l.Steps.Ingestion.Status
	case StepEnrichment:
		return l.Steps.Enrichment.Status
	default:
		return ""
	}
}

// MarkStep sets the status of a top-level step.
func (l *Ledger) MarkStep(step Step, status StepStatus) error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	switch step {
	case StepIngestion:
		l.Steps.Ingestion.Status = status
	case StepEnrichment:
		l.Steps.Enrichment.Status = status
	default:
		return fmt.Errorf("unknown step %d", int(step))
	}
	return nil
}

// StartIngestion initializes every sub-step slot to pending the first time
// the ingestion step is entered. Later calls leave the slots untouched.
func (l *Ledger) StartIngestion() error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	if l.Steps.Ingestion.Started {
		return nil
	}
	for _, src := range Sources() {
		*l.Steps.Ingestion.Slot(src) = SubstepState{Status: StatusPending}
	}
	l.Steps.Ingestion.Started = true
	return nil
}

// MarkSubstep sets the status of one ingestion sub-step.
func (l *Ledger) MarkSubstep(src Source, status StepStatus, errText string) error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	slot := l.Steps.Ingestion.Slot(src)
	if slot == nil {
		return fmt.Errorf("unknown source %q", src)
	}
	slot.Status = status
	slot.LastError = errText
	return nil
}

// SaveCursor records the resume position and running count for a sub-step.
func (l *Ledger) SaveCursor(src Source, cursor Cursor, collected int) error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	slot := l.Steps.Ingestion.Slot(src)
	if slot == nil {
		return fmt.Errorf("unknown source %q", src)
	}
	slot.Cursor = cursor
	slot.Collected = collected
	return nil
}

// Advance moves the step pointer forward. Every step before next must be
// completed and next may not be behind the current step.
func (l *Ledger) Advance(next Step) error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	if next < l.CurrentStep {
		return fmt.Errorf("advance to %d from %d: %w", next, l.CurrentStep, ErrNonMonotonic)
	}
	for step := StepIngestion; step < next && step <= LastStep; step++ {
		if l.StepStatus(step) != StatusCompleted {
			return fmt.Errorf("advance past %s: %w", step, ErrStepIncomplete)
		}
	}
	l.CurrentStep = next
	return nil
}

// SetOverall records the pipeline status. A failure message is kept for
// OverallFailed and cleared otherwise.
func (l *Ledger) SetOverall(status OverallStatus, errText string) error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	l.OverallStatus = status
	if status == OverallFailed {
		l.LastError = errText
	}
	if status == OverallCompleted {
		l.FailedStep = ""
		l.LastError = ""
	}
	return nil
}

// RecordFailure stores which step failed and why.
func (l *Ledger) RecordFailure(failedStep, errText string) error {
	if l.Terminal() {
		return ErrLedgerCompleted
	}
	l.FailedStep = failedStep
	l.LastError = errText
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (l *Ledger) IncrementRetry() (int, error) {
	if l.Terminal() {
		return l.RetryCount, ErrLedgerCompleted
	}
	l.RetryCount++
	return l.RetryCount, nil
}
