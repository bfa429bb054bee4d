package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/jobs"
	"github.com/hirelens/backend/internal/models"
)

// UploadHandler serves the upload, retry and job endpoints.
type UploadHandler struct {
	Jobs   jobs.Service
	Logger *slog.Logger
}

// --- POST /v1/uploads ---

type uploadRequest struct {
	CandidateID  string `json:"candidate_id" validate:"omitempty,uuid"`
	FileName     string `json:"file_name" validate:"required,max=255"`
	FileType     string `json:"file_type" validate:"required,oneof=pdf doc docx hwp hwpx"`
	FileSize     int64  `json:"file_size" validate:"gt=0,lte=52428800"`
	StorageKey   string `json:"storage_key" validate:"required,max=1024"`
	AnalysisMode string `json:"analysis_mode" validate:"omitempty,oneof=phase_1 phase_2"`
}

type jobResponse struct {
	JobID               uuid.UUID `json:"job_id"`
	CandidateID         uuid.UUID `json:"candidate_id"`
	Status              string    `json:"status"`
	IsRetry             bool      `json:"is_retry"`
	SkipCreditDeduction bool      `json:"skip_credit_deduction"`
}

func newJobResponse(j *models.ProcessingJob) jobResponse {
	return jobResponse{
		JobID:               j.ID,
		CandidateID:         j.CandidateID,
		Status:              j.Status,
		IsRetry:             j.IsRetry,
		SkipCreditDeduction: j.SkipCreditDeduction,
	}
}

// CreateUpload handles POST /v1/uploads.
// Auth -> RateLimit -> CreditCheck (middleware) -> Reserve + enqueue -> 202.
func (h *UploadHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req uploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, "decode upload", err)
		return
	}
	sub := jobs.SubmitRequest{
		FileName:     req.FileName,
		FileType:     req.FileType,
		FileSize:     req.FileSize,
		StorageKey:   req.StorageKey,
		AnalysisMode: req.AnalysisMode,
	}
	if req.CandidateID != "" {
		cid := uuid.MustParse(req.CandidateID)
		sub.CandidateID = &cid
	}

	job, err := h.Jobs.Submit(r.Context(), id.UserID, sub)
	if err != nil {
		writeError(w, h.Logger, "submit upload", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

// RetryCandidate handles POST /v1/candidates/{id}/retry.
func (h *UploadHandler) RetryCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	candidateID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.Jobs.Retry(r.Context(), id.UserID, candidateID)
	if err != nil {
		writeError(w, h.Logger, "retry candidate", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

// CancelUpload handles DELETE /v1/uploads/{jobId}.
func (h *UploadHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	jobID, ok := pathUUID(w, r, "jobId")
	if !ok {
		return
	}
	if err := h.Jobs.Cancel(r.Context(), id.UserID, jobID); err != nil {
		writeError(w, h.Logger, "cancel upload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": models.JobStatusFailed})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *UploadHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	jobID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.Jobs.GetJob(r.Context(), id.UserID, jobID)
	if err != nil {
		writeError(w, h.Logger, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs?limit=.
func (h *UploadHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	list, err := h.Jobs.ListJobs(r.Context(), id.UserID, queryLimit(r, 20, 100))
	if err != nil {
		writeError(w, h.Logger, "list jobs", err)
		return
	}
	if list == nil {
		list = []*models.ProcessingJob{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DeleteCandidate handles DELETE /v1/candidates/{id}. The row is purged by
// the retention sweep once the soft-delete window has passed.
func (h *UploadHandler) DeleteCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	candidateID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Jobs.DeleteCandidate(r.Context(), id.UserID, candidateID); err != nil {
		writeError(w, h.Logger, "delete candidate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
