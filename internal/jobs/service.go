package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hirelens/backend/internal/execution"
	"github.com/hirelens/backend/internal/ledger"
	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/store"
)

var (
	ErrTooManyUploads = errors.New("too many analyses in progress")
	ErrNotOwner       = errors.New("candidate belongs to another user")
	ErrNotRetryable   = errors.New("only failed candidates can be retried")
	ErrNotCancellable = errors.New("only queued uploads can be cancelled")
)

var enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "analysis_jobs_enqueued_total",
	Help: "Analysis jobs enqueued by kind and whether a credit was reserved",
}, []string{"kind", "charged"})

type SubmitRequest struct {
	CandidateID  *uuid.UUID
	FileName     string
	FileType     string
	FileSize     int64
	StorageKey   string
	AnalysisMode string
}

// Store is the job/candidate persistence the service needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	AccountPlan(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (string, error)
	CreateCandidate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (uuid.UUID, error)
	GetCandidate(ctx context.Context, id uuid.UUID) (*models.Candidate, error)
	ClaimCandidate(ctx context.Context, tx pgx.Tx, candidateID, userID uuid.UUID, from ...string) (bool, error)
	CreateJob(ctx context.Context, tx pgx.Tx, j *models.ProcessingJob) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error)
	LatestJobForCandidate(ctx context.Context, candidateID uuid.UUID) (*models.ProcessingJob, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ProcessingJob, error)
	CountActiveJobs(ctx context.Context, userID uuid.UUID) (int, error)
	MarkDispatched(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, from ...string) (bool, error)
	SoftDeleteCandidate(ctx context.Context, candidateID, userID uuid.UUID, at time.Time) (bool, error)
}

// Ledger is the subset of ledger.Service the upload flow needs.
type Ledger interface {
	Reserve(ctx context.Context, tx pgx.Tx, req ledger.ReserveRequest) (uuid.UUID, error)
	CommitUsage(ctx context.Context, jobID uuid.UUID) (bool, error)
	Release(ctx context.Context, userID, jobID uuid.UUID, reason string) (bool, error)
	HasOpenCharge(ctx context.Context, candidateID uuid.UUID) (bool, error)
}

type Service interface {
	Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.ProcessingJob, error)
	Retry(ctx context.Context, userID, candidateID uuid.UUID) (*models.ProcessingJob, error)
	Cancel(ctx context.Context, userID, jobID uuid.UUID) error
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.ProcessingJob, error)
	ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ProcessingJob, error)
	DeleteCandidate(ctx context.Context, userID, candidateID uuid.UUID) error
	MarkAnalysisFailed(ctx context.Context, jobID, candidateID uuid.UUID, reason string) error
}

// InsertDispatchTxFunc enqueues a dispatch job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertDispatchTxFunc func(ctx context.Context, tx pgx.Tx, args execution.DispatchAnalysisArgs) error

type service struct {
	repo           Store
	ledger         Ledger
	insertDispatch InsertDispatchTxFunc
	maxActive      int
	now            func() time.Time
	log            *slog.Logger
}

// NewService creates a jobs service. insertDispatch is typically a closure over river.Client.InsertTx.
// Returns *service so it can be used as execution.JobService for the River worker.
func NewService(repo Store, l Ledger, insertDispatch InsertDispatchTxFunc, maxActive int, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{repo: repo, ledger: l, insertDispatch: insertDispatch, maxActive: maxActive, now: time.Now, log: log}
}

var (
	_ Service              = (*service)(nil)
	_ execution.JobService = (*service)(nil)
)

// Submit creates (or re-opens) a candidate, reserves a credit and enqueues
// the dispatch, all in one transaction.
func (s *service) Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.ProcessingJob, error) {
	if req.AnalysisMode == "" {
		req.AnalysisMode = models.AnalysisModePhase1
	}
	if err := s.checkActive(ctx, userID); err != nil {
		return nil, err
	}

	charged := false
	if req.CandidateID != nil {
		if _, err := s.ownedCandidate(ctx, userID, *req.CandidateID); err != nil {
			return nil, err
		}
		var err error
		if charged, err = s.ledger.HasOpenCharge(ctx, *req.CandidateID); err != nil {
			return nil, err
		}
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", store.Classify(err))
	}
	defer tx.Rollback(ctx)

	var candidateID uuid.UUID
	if req.CandidateID != nil {
		candidateID = *req.CandidateID
		ok, err := s.repo.ClaimCandidate(ctx, tx, candidateID, userID, models.CandidateStatusFailed)
		if err != nil {
			return nil, fmt.Errorf("claim candidate: %w", store.Classify(err))
		}
		if !ok {
			return nil, ErrNotRetryable
		}
	} else {
		if candidateID, err = s.repo.CreateCandidate(ctx, tx, userID); err != nil {
			return nil, fmt.Errorf("create candidate: %w", store.Classify(err))
		}
	}

	job := &models.ProcessingJob{
		ID:           uuid.New(),
		UserID:       userID,
		CandidateID:  candidateID,
		AnalysisMode: req.AnalysisMode,
		FileName:     req.FileName,
		FileType:     req.FileType,
		FileSize:     req.FileSize,
		StorageKey:   req.StorageKey,
	}
	if err := s.enqueue(ctx, tx, job, charged); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", store.Classify(err))
	}
	enqueuedTotal.WithLabelValues("upload", fmt.Sprint(!job.SkipCreditDeduction)).Inc()
	s.log.Info("analysis submitted", "user_id", userID, "job_id", job.ID, "candidate_id", candidateID, "skip_credit_deduction", job.SkipCreditDeduction)
	return job, nil
}

// Retry re-dispatches a failed candidate using the file of its latest job.
// A candidate still holding a charge is retried for free.
func (s *service) Retry(ctx context.Context, userID, candidateID uuid.UUID) (*models.ProcessingJob, error) {
	c, err := s.ownedCandidate(ctx, userID, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CandidateStatusFailed {
		return nil, ErrNotRetryable
	}
	last, err := s.repo.LatestJobForCandidate(ctx, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotRetryable
		}
		return nil, fmt.Errorf("latest job: %w", store.Classify(err))
	}
	if err := s.checkActive(ctx, userID); err != nil {
		return nil, err
	}
	charged, err := s.ledger.HasOpenCharge(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", store.Classify(err))
	}
	defer tx.Rollback(ctx)

	ok, err := s.repo.ClaimCandidate(ctx, tx, candidateID, userID, models.CandidateStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("claim candidate: %w", store.Classify(err))
	}
	if !ok {
		return nil, ErrNotRetryable
	}

	job := &models.ProcessingJob{
		ID:           uuid.New(),
		UserID:       userID,
		CandidateID:  candidateID,
		AnalysisMode: last.AnalysisMode,
		FileName:     last.FileName,
		FileType:     last.FileType,
		FileSize:     last.FileSize,
		StorageKey:   last.StorageKey,
		IsRetry:      true,
	}
	if err := s.enqueue(ctx, tx, job, charged); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", store.Classify(err))
	}
	enqueuedTotal.WithLabelValues("retry", fmt.Sprint(!job.SkipCreditDeduction)).Inc()
	s.log.Info("analysis retried", "user_id", userID, "job_id", job.ID, "candidate_id", candidateID, "skip_credit_deduction", job.SkipCreditDeduction)
	return job, nil
}

// enqueue reserves a credit unless the candidate is already charged, then
// persists the job and its dispatch. Losing the reserve race to another
// request for the same candidate means the charge exists, so the job skips.
func (s *service) enqueue(ctx context.Context, tx pgx.Tx, job *models.ProcessingJob, charged bool) error {
	if !charged {
		_, err := s.ledger.Reserve(ctx, tx, ledger.ReserveRequest{
			UserID:      job.UserID,
			JobID:       job.ID,
			CandidateID: &job.CandidateID,
			Amount:      ledger.CreditsPerAnalysis,
			Description: "analysis of " + job.FileName,
		})
		switch {
		case errors.Is(err, ledger.ErrAlreadyCharged):
			charged = true
		case err != nil:
			return err
		}
	}
	job.SkipCreditDeduction = charged

	plan, err := s.repo.AccountPlan(ctx, tx, job.UserID)
	if err != nil {
		return fmt.Errorf("account plan: %w", store.Classify(err))
	}
	job.Plan = plan
	if err := s.repo.CreateJob(ctx, tx, job); err != nil {
		return fmt.Errorf("create job: %w", store.Classify(err))
	}
	return s.insertDispatch(ctx, tx, execution.DispatchAnalysisArgs{
		JobID:               job.ID,
		CandidateID:         job.CandidateID,
		UserID:              job.UserID,
		StorageKey:          job.StorageKey,
		FileName:            job.FileName,
		FileType:            job.FileType,
		AnalysisMode:        job.AnalysisMode,
		IsRetry:             job.IsRetry,
		SkipCreditDeduction: job.SkipCreditDeduction,
	})
}

func (s *service) checkActive(ctx context.Context, userID uuid.UUID) error {
	if s.maxActive <= 0 {
		return nil
	}
	n, err := s.repo.CountActiveJobs(ctx, userID)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", store.Classify(err))
	}
	if n >= s.maxActive {
		return ErrTooManyUploads
	}
	return nil
}

func (s *service) ownedCandidate(ctx context.Context, userID, candidateID uuid.UUID) (*models.Candidate, error) {
	c, err := s.repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", store.Classify(err))
	}
	if c.DeletedAt != nil {
		return nil, fmt.Errorf("candidate %s: %w", candidateID, store.ErrNotFound)
	}
	if c.UserID != userID {
		return nil, ErrNotOwner
	}
	return c, nil
}

// Cancel fails a queued upload and returns its credit.
func (s *service) Cancel(ctx context.Context, userID, jobID uuid.UUID) error {
	job, err := s.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	ok, err := s.repo.MarkFailed(ctx, jobID, "upload cancelled", models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("mark failed: %w", store.Classify(err))
	}
	if !ok {
		return ErrNotCancellable
	}
	if _, err := s.ledger.Release(ctx, job.UserID, jobID, "upload cancelled"); err != nil {
		// The job is failed; the stale reservation pass will return the credit.
		s.log.Error("release after cancel failed", "job_id", jobID, "error", err)
	}
	return nil
}

func (s *service) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.ProcessingJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", store.Classify(err))
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return job, nil
}

func (s *service) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ProcessingJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	list, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", store.Classify(err))
	}
	return list, nil
}

// DeleteCandidate soft-deletes; the cleanup sweep purges after retention.
func (s *service) DeleteCandidate(ctx context.Context, userID, candidateID uuid.UUID) error {
	if _, err := s.ownedCandidate(ctx, userID, candidateID); err != nil {
		return err
	}
	if _, err := s.repo.SoftDeleteCandidate(ctx, candidateID, userID, s.now()); err != nil {
		return fmt.Errorf("soft delete: %w", store.Classify(err))
	}
	return nil
}

// ShouldDispatch implements execution.JobService. Cancelled jobs are skipped.
func (s *service) ShouldDispatch(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, store.Classify(err)
	}
	return job.Status == models.JobStatusQueued, nil
}

// MarkDispatched implements execution.JobService. The worker accepted the
// job, so its reservation becomes usage.
func (s *service) MarkDispatched(ctx context.Context, jobID uuid.UUID) error {
	moved, err := s.repo.MarkDispatched(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", store.Classify(err))
	}
	if !moved {
		s.log.Warn("dispatched job was no longer queued", "job_id", jobID)
	}
	_, err = s.ledger.CommitUsage(ctx, jobID)
	return err
}

// MarkDispatchFailed implements execution.JobService. The worker never
// accepted the job, so its reservation, if it made one, is released.
func (s *service) MarkDispatchFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", store.Classify(err))
	}
	if _, err := s.repo.MarkFailed(ctx, jobID, reason, models.JobStatusQueued, models.JobStatusProcessing); err != nil {
		return fmt.Errorf("mark failed: %w", store.Classify(err))
	}
	_, err = s.ledger.Release(ctx, job.UserID, jobID, "analysis dispatch failed")
	return err
}

// MarkAnalysisFailed handles a failure report from the analysis worker. The
// attempt consumed its credit, so a later retry of the candidate is free.
func (s *service) MarkAnalysisFailed(ctx context.Context, jobID, candidateID uuid.UUID, reason string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", store.Classify(err))
	}
	if job.CandidateID != candidateID {
		return fmt.Errorf("job %s does not belong to candidate %s: %w", jobID, candidateID, store.ErrNotFound)
	}
	if _, err := s.ledger.CommitUsage(ctx, jobID); err != nil {
		return err
	}
	if reason == "" {
		reason = "analysis failed"
	}
	if _, err := s.repo.MarkFailed(ctx, jobID, reason, models.JobStatusQueued, models.JobStatusProcessing); err != nil {
		return fmt.Errorf("mark failed: %w", store.Classify(err))
	}
	return nil
}
