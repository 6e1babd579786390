package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

const (
	progressTimeout = 3 * time.Second
	notStarted      = "not_started"
)

// ProgressHandler exposes read-only pipeline progress endpoints.
type ProgressHandler struct {
	ledger  *ledger.Service
	records store.RecordRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the ledger service, record store, and logger.
func NewProgressHandler(ledgerSvc *ledger.Service, records store.RecordRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		ledger:  ledgerSvc,
		records: records,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// GetProgress handles GET /v1/owners/{owner_id}/progress. It returns the
// active ledger as {overall_status, current_step, step_status, record_count,
// retry_count, failed_step}, 404 with overall_status "not_started" when no
// ledger exists, 400 for malformed ids, or 500 on store errors.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	ownerID, err := parseOwnerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	l, err := h.ledger.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"overall_status": notStarted,
				"error":          "pipeline not started",
			})
			return
		}
		h.logger.Error("get ledger failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	dto := toProgressDTO(l)
	if h.records != nil {
		count, err := h.records.CountByOwner(ctx, ownerID)
		if err != nil {
			h.logger.Error("count records failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to count records")
			return
		}
		dto.RecordCount = count
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListLedgers handles GET /v1/owners/{owner_id}/ledgers. Every generation
// is returned newest first as {"ledgers": [...]}.
func (h *ProgressHandler) ListLedgers(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	ownerID, err := parseOwnerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	history, err := h.ledger.History(ctx, ownerID)
	if err != nil {
		h.logger.Error("ledger history failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list ledgers")
		return
	}
	out := make([]ledgerDTO, 0, len(history))
	for _, l := range history {
		out = append(out, ledgerDTO{
			Generation:  l.Generation,
			progressDTO: toProgressDTO(l),
			LastError:   l.LastError,
			CreatedAt:   l.CreatedAt,
			UpdatedAt:   l.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ledgers": out})
}

func toProgressDTO(l feedback.Ledger) progressDTO {
	ing := l.Steps.Ingestion
	return progressDTO{
		OverallStatus: string(l.OverallStatus),
		CurrentStep:   int(l.CurrentStep),
		StepStatus: stepStatusDTO{
			Step1: string(ing.Status),
			Step1Substeps: substepsDTO{
				Substep1: string(ing.AppStore.Status),
				Substep2: string(ing.GooglePlay.Status),
				Substep3: string(ing.Reddit.Status),
				Substep4: string(ing.Trustpilot.Status),
				Substep5: string(ing.Twitter.Status),
			},
			Step2: string(l.Steps.Enrichment.Status),
		},
		RetryCount: l.RetryCount,
		FailedStep: l.FailedStep,
	}
}

type progressDTO struct {
	OverallStatus string        `json:"overall_status"`
	CurrentStep   int           `json:"current_step"`
	StepStatus    stepStatusDTO `json:"step_status"`
	RecordCount   int           `json:"record_count"`
	RetryCount    int           `json:"retry_count"`
	FailedStep    string        `json:"failed_step,omitempty"`
}

// stepStatusDTO keeps the positional step naming clients already poll for.
type stepStatusDTO struct {
	Step1         string      `json:"step1"`
	Step1Substeps substepsDTO `json:"step1_substeps"`
	Step2         string      `json:"step2"`
}

type substepsDTO struct {
	Substep1 string `json:"substep1"`
	Substep2 string `json:"substep2"`
	Substep3 string `json:"substep3"`
	Substep4 string `json:"substep4"`
	Substep5 string `json:"substep5"`
}

type ledgerDTO struct {
	Generation int `json:"generation"`
	progressDTO
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
