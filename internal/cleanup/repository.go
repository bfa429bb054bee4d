package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) ListOrphanFiles(ctx context.Context, limit int) ([]OrphanFile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, storage_key
		FROM processing_jobs
		WHERE status = 'refunded' AND cleanup_state IN ('pending', 'delete_failed')
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrphanFile
	for rows.Next() {
		var f OrphanFile
		if err := rows.Scan(&f.JobID, &f.StorageKey); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetCleanupState never moves a job out of the cleaned state.
func (r *Repository) SetCleanupState(ctx context.Context, jobID uuid.UUID, state string, detail *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET cleanup_state = $2, cleanup_error = $3, updated_at = now()
		WHERE id = $1 AND (cleanup_state <> 'cleaned' OR $2 = 'cleaned')
	`, jobID, state, detail)
	return err
}

func (r *Repository) ListExpiredCandidates(ctx context.Context, cutoff time.Time, limit int) ([]ExpiredCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id,
		       COALESCE(array_agg(j.storage_key) FILTER (
		           WHERE j.storage_key <> '' AND j.cleanup_state NOT IN ('cleaned', 'no_file')
		       ), '{}')
		FROM candidates c
		LEFT JOIN processing_jobs j ON j.candidate_id = c.id
		WHERE c.deleted_at IS NOT NULL AND c.deleted_at < $1
		GROUP BY c.id
		ORDER BY min(c.deleted_at)
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredCandidate
	for rows.Next() {
		var c ExpiredCandidate
		if err := rows.Scan(&c.ID, &c.StorageKeys); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteCandidate(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM candidates
		WHERE id = $1 AND deleted_at IS NOT NULL AND deleted_at < $2
	`, id, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListStaleReservations(ctx context.Context, staleBefore time.Time, limit int) ([]StaleReservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cr.job_id, cr.user_id, COALESCE(j.status, 'failed')
		FROM credit_reservations cr
		LEFT JOIN processing_jobs j ON j.id = cr.job_id
		WHERE cr.status = 'reserved'
		  AND (
		      j.status = 'failed'
		      OR (j.status = 'queued' AND j.created_at < $1)
		      OR (j.id IS NULL AND cr.created_at < $1)
		  )
		ORDER BY cr.created_at
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaleReservation
	for rows.Next() {
		var s StaleReservation
		if err := rows.Scan(&s.JobID, &s.UserID, &s.JobStatus); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) FailQueuedJob(ctx context.Context, jobID uuid.UUID, reason string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var candidateID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING candidate_id
	`, jobID, reason).Scan(&candidateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE candidates SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, candidateID)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
