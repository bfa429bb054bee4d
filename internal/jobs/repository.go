package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hirelens/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const jobColumns = `id, user_id, candidate_id, status, analysis_mode, plan, file_name, file_type, file_size,
	storage_key, error_message, cleanup_state, cleanup_error, is_retry, skip_credit_deduction,
	created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	err := row.Scan(&j.ID, &j.UserID, &j.CandidateID, &j.Status, &j.AnalysisMode, &j.Plan, &j.FileName, &j.FileType, &j.FileSize,
		&j.StorageKey, &j.ErrorMessage, &j.CleanupState, &j.CleanupError, &j.IsRetry, &j.SkipCreditDeduction,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// AccountPlan reads the plan tier to snapshot on a new job.
func (r *Repository) AccountPlan(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (string, error) {
	var plan string
	err := tx.QueryRow(ctx, `SELECT plan FROM accounts WHERE id = $1`, userID).Scan(&plan)
	return plan, err
}

func (r *Repository) CreateCandidate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO candidates (user_id, status) VALUES ($1, 'processing')
		RETURNING id
	`, userID).Scan(&id)
	return id, err
}

func (r *Repository) GetCandidate(ctx context.Context, id uuid.UUID) (*models.Candidate, error) {
	var c models.Candidate
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, status, confidence_score, quick_extracted, requires_review, deleted_at, created_at, updated_at
		FROM candidates WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Status, &c.ConfidenceScore, &c.QuickExtracted, &c.RequiresReview, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimCandidate moves a live candidate owned by userID from one of the
// given states back to processing. False means someone else got there first.
func (r *Repository) ClaimCandidate(ctx context.Context, tx pgx.Tx, candidateID, userID uuid.UUID, from ...string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE candidates
		SET status = 'processing', requires_review = false, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL AND status = ANY($3)
	`, candidateID, userID, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) CreateJob(ctx context.Context, tx pgx.Tx, j *models.ProcessingJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO processing_jobs (id, user_id, candidate_id, status, analysis_mode, plan, file_name, file_type,
			file_size, storage_key, is_retry, skip_credit_deduction)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING status, cleanup_state, created_at, updated_at
	`, j.ID, j.UserID, j.CandidateID, j.AnalysisMode, j.Plan, j.FileName, j.FileType,
		j.FileSize, j.StorageKey, j.IsRetry, j.SkipCreditDeduction,
	).Scan(&j.Status, &j.CleanupState, &j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, jobID))
}

func (r *Repository) LatestJobForCandidate(ctx context.Context, candidateID uuid.UUID) (*models.ProcessingJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE candidate_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, candidateID))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ProcessingJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// CountActiveJobs counts the user's jobs that are queued or processing.
func (r *Repository) CountActiveJobs(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM processing_jobs
		WHERE user_id = $1 AND status IN ('queued', 'processing')
	`, userID).Scan(&n)
	return n, err
}

// MarkDispatched moves a queued job to processing; false if it already left the queue.
func (r *Repository) MarkDispatched(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'queued'
	`, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed fails the job if it is in one of the given states, and its
// candidate with it. False if the job had already moved on.
func (r *Repository) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, from ...string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var candidateID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status = 'failed', error_message = $2, updated_at = now(), completed_at = now()
		WHERE id = $1 AND status = ANY($3)
		RETURNING candidate_id
	`, jobID, reason, from).Scan(&candidateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE candidates SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, candidateID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// MarkCompleted records the analysis result and completes job and candidate.
// False if the job was no longer queued or processing.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, jobID, candidateID uuid.UUID, confidence *float64, quick *models.QuickExtracted, requiresReview bool) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE processing_jobs
		SET status = 'completed', updated_at = now(), completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, jobID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE candidates
		SET status = 'completed', confidence_score = $2, quick_extracted = $3, requires_review = $4, updated_at = now()
		WHERE id = $1
	`, candidateID, confidence, quick, requiresReview)
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkRefunded runs in the refund transaction. The job leaves any
// non-refunded state; the file is picked up by the orphan storage pass.
func (r *Repository) MarkRefunded(ctx context.Context, tx pgx.Tx, jobID, candidateID uuid.UUID, confidence *float64, quick *models.QuickExtracted) error {
	if _, err := tx.Exec(ctx, `
		UPDATE processing_jobs
		SET status = 'refunded', cleanup_state = 'pending', updated_at = now(), completed_at = COALESCE(completed_at, now())
		WHERE id = $1 AND status <> 'refunded'
	`, jobID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE candidates
		SET status = 'refunded', confidence_score = $2, quick_extracted = $3, updated_at = now()
		WHERE id = $1
	`, candidateID, confidence, quick)
	return err
}

// SoftDeleteCandidate starts the retention window for a candidate.
func (r *Repository) SoftDeleteCandidate(ctx context.Context, candidateID, userID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE candidates SET deleted_at = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, candidateID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
