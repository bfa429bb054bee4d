package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/refund"
	"github.com/hirelens/backend/internal/services"
)

// RefundProcessor applies the refund-or-commit decision for a finished analysis.
type RefundProcessor interface {
	Process(ctx context.Context, candidateID, jobID uuid.UUID, outcome refund.Outcome) (*refund.Result, error)
}

// AnalysisFailer records a failure reported by the analysis worker.
type AnalysisFailer interface {
	MarkAnalysisFailed(ctx context.Context, jobID, candidateID uuid.UUID, reason string) error
}

// CallbackHandler serves the analysis worker's completion callback.
type CallbackHandler struct {
	Refunds   RefundProcessor
	Jobs      AnalysisFailer
	Validator *services.Validator
	Logger    *slog.Logger
}

type completionRequest struct {
	CandidateID    uuid.UUID              `json:"candidate_id"`
	Status         string                 `json:"status"`
	Confidence     *float64               `json:"confidence"`
	AnalysisMode   string                 `json:"analysis_mode"`
	QuickExtracted *models.QuickExtracted `json:"quick_extracted"`
	Error          *string                `json:"error"`
}

// Complete handles POST /v1/jobs/{id}/complete.
// WorkerAuth (middleware) -> schema validation -> refund pipeline or failure -> 200.
// Replays are answered 200 with idempotent=true so the worker stops retrying.
func (h *CallbackHandler) Complete(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := h.Validator.Validate(services.SchemaAnalysisCallback, body); err != nil {
		writeError(w, h.Logger, "validate completion", err)
		return
	}
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Status == models.JobStatusFailed {
		reason := "analysis failed"
		if req.Error != nil && *req.Error != "" {
			reason = *req.Error
		}
		if err := h.Jobs.MarkAnalysisFailed(r.Context(), jobID, req.CandidateID, reason); err != nil {
			writeError(w, h.Logger, "mark analysis failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": models.JobStatusFailed})
		return
	}

	res, err := h.Refunds.Process(r.Context(), req.CandidateID, jobID, refund.Outcome{
		Confidence:     req.Confidence,
		QuickExtracted: req.QuickExtracted,
		AnalysisMode:   req.AnalysisMode,
	})
	if err != nil {
		writeError(w, h.Logger, "process completion", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
