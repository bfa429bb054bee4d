package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type DispatchAnalysisArgs struct {
	JobID               uuid.UUID `json:"job_id"`
	CandidateID         uuid.UUID `json:"candidate_id"`
	UserID              uuid.UUID `json:"user_id"`
	StorageKey          string    `json:"storage_key"`
	FileName            string    `json:"file_name"`
	FileType            string    `json:"file_type"`
	AnalysisMode        string    `json:"analysis_mode"`
	IsRetry             bool      `json:"is_retry"`
	SkipCreditDeduction bool      `json:"skip_credit_deduction"`
}

func (DispatchAnalysisArgs) Kind() string { return "dispatch_analysis" }

// JobService defines the contract the worker needs to report dispatch success/failure.
type JobService interface {
	// ShouldDispatch is false once the job left the queue, e.g. it was cancelled.
	ShouldDispatch(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkDispatched(ctx context.Context, jobID uuid.UUID) error
	MarkDispatchFailed(ctx context.Context, jobID uuid.UUID, reason string) error
}

// DispatchAnalysisWorker hands a queued job to the external analysis worker.
// Network errors and 5xx responses are retried by River; once attempts are
// exhausted, or on a 4xx, the job is failed and its reserved credit released.
type DispatchAnalysisWorker struct {
	river.WorkerDefaults[DispatchAnalysisArgs]
	jobService      JobService
	httpClient      *http.Client
	workerURL       string
	callbackBaseURL string
	log             *slog.Logger
}

func NewDispatchAnalysisWorker(js JobService, workerURL, callbackBaseURL string, timeout time.Duration, log *slog.Logger) *DispatchAnalysisWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DispatchAnalysisWorker{
		jobService:      js,
		httpClient:      &http.Client{Timeout: timeout},
		workerURL:       workerURL,
		callbackBaseURL: callbackBaseURL,
		log:             log,
	}
}

type dispatchPayload struct {
	DispatchAnalysisArgs
	CallbackURL string `json:"callback_url"`
}

func (w *DispatchAnalysisWorker) Timeout(*river.Job[DispatchAnalysisArgs]) time.Duration {
	return w.httpClient.Timeout + 5*time.Second
}

func (w *DispatchAnalysisWorker) Work(ctx context.Context, job *river.Job[DispatchAnalysisArgs]) error {
	args := job.Args

	ok, err := w.jobService.ShouldDispatch(ctx, args.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if !ok {
		w.log.Info("skipping dispatch of job no longer queued", "job_id", args.JobID)
		return nil
	}

	body, err := json.Marshal(dispatchPayload{
		DispatchAnalysisArgs: args,
		CallbackURL:          fmt.Sprintf("%s/v1/jobs/%s/complete", w.callbackBaseURL, args.JobID),
	})
	if err != nil {
		return w.failJob(ctx, args.JobID, fmt.Sprintf("failed to encode payload: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.workerURL, bytes.NewReader(body))
	if err != nil {
		return w.failJob(ctx, args.JobID, fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.retryOrFail(ctx, job, fmt.Sprintf("network error calling analysis worker: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := w.jobService.MarkDispatched(ctx, args.JobID); err != nil {
			return fmt.Errorf("failed to mark job dispatched: %w", err)
		}
		w.log.Info("analysis dispatched", "job_id", args.JobID, "attempt", job.Attempt, "skip_credit_deduction", args.SkipCreditDeduction)
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return w.retryOrFail(ctx, job, fmt.Sprintf("analysis worker returned status %d", resp.StatusCode))
	default:
		reason := fmt.Sprintf("analysis worker rejected job with status %d", resp.StatusCode)
		if err := w.failJob(ctx, args.JobID, reason); err != nil {
			return err
		}
		return river.JobCancel(fmt.Errorf("%s", reason))
	}
}

// retryOrFail lets River retry until the last attempt, then fails the job.
func (w *DispatchAnalysisWorker) retryOrFail(ctx context.Context, job *river.Job[DispatchAnalysisArgs], reason string) error {
	if job.Attempt < job.MaxAttempts {
		w.log.Warn("analysis dispatch will be retried", "job_id", job.Args.JobID, "attempt", job.Attempt, "reason", reason)
		return fmt.Errorf("%s", reason)
	}
	return w.failJob(ctx, job.Args.JobID, reason)
}

func (w *DispatchAnalysisWorker) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	w.log.Error("analysis dispatch failed", "job_id", jobID, "reason", reason)
	markErr := w.jobService.MarkDispatchFailed(ctx, jobID, reason)
	if markErr != nil {
		return fmt.Errorf("dispatch failed (%s) AND failed to mark job as failed: %w", reason, markErr)
	}
	return nil
}
