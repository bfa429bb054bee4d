package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/store"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Reserve runs inside the caller's transaction. It:
// a) claims the reservation row for the job (unique on job and on open charge per candidate)
// b) debits the plan allowance, or the top-ups once the allowance is used, in one conditional UPDATE
// c) appends the reserve transaction and links it to the reservation
func (r *Repository) Reserve(ctx context.Context, tx pgx.Tx, req ReserveRequest) (uuid.UUID, error) {
	var claimed uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_reservations (job_id, user_id, candidate_id, amount, status)
		VALUES ($1, $2, $3, $4, 'reserved')
		ON CONFLICT DO NOTHING
		RETURNING job_id
	`, req.JobID, req.UserID, req.CandidateID, req.Amount).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, errAlreadyCharged
	}
	if err != nil {
		return uuid.Nil, err
	}

	var fromPlan bool
	err = tx.QueryRow(ctx, `
		WITH acct AS (
			SELECT id, credits_used_this_month < plan_base_credits AS from_plan
			FROM accounts WHERE id = $1
			FOR UPDATE
		)
		UPDATE accounts a SET
			credits_used_this_month = a.credits_used_this_month + CASE WHEN acct.from_plan THEN $2 ELSE 0 END,
			additional_credits = a.additional_credits - CASE WHEN acct.from_plan THEN 0 ELSE $2 END,
			updated_at = now()
		FROM acct
		WHERE a.id = acct.id AND (acct.from_plan OR a.additional_credits >= $2)
		RETURNING acct.from_plan
	`, req.UserID, req.Amount).Scan(&fromPlan)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := r.accountExists(ctx, tx, req.UserID)
		if existsErr != nil {
			return uuid.Nil, existsErr
		}
		if !exists {
			return uuid.Nil, store.ErrNotFound
		}
		return uuid.Nil, errInsufficientCredits
	}
	if err != nil {
		return uuid.Nil, err
	}

	source := models.CreditSourceAdditional
	if fromPlan {
		source = models.CreditSourcePlan
	}
	var txID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, credit_source, job_id, candidate_id, description)
		VALUES ($1, 'reserve', $2, $3, $4, $5, $6)
		RETURNING id
	`, req.UserID, -req.Amount, source, req.JobID, req.CandidateID, req.Description).Scan(&txID)
	if err != nil {
		return uuid.Nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE credit_reservations SET reserve_tx_id = $1, credit_source = $2, updated_at = now() WHERE job_id = $3
	`, txID, source, req.JobID)
	if err != nil {
		return uuid.Nil, err
	}
	return txID, nil
}

// CommitUsage runs in its own transaction. The debit was taken at reserve time,
// so the usage row only records consumption (amount 0).
func (r *Repository) CommitUsage(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var candidateID *uuid.UUID
	var source *string
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations SET status = 'committed', updated_at = now()
		WHERE job_id = $1 AND status = 'reserved'
		RETURNING user_id, candidate_id, credit_source
	`, jobID).Scan(&userID, &candidateID, &source)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var usageTxID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, credit_source, job_id, candidate_id, description)
		VALUES ($1, 'usage', 0, $2, $3, $4, 'analysis credit consumed')
		RETURNING id
	`, userID, source, jobID, candidateID).Scan(&usageTxID)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE credit_reservations SET settle_tx_id = $1 WHERE job_id = $2`, usageTxID, jobID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Release runs in its own transaction. It is a no-op when the job holds no open reservation.
func (r *Repository) Release(ctx context.Context, userID, jobID uuid.UUID, description string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var candidateID *uuid.UUID
	var amount int
	var source *string
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations SET status = 'released', updated_at = now()
		WHERE job_id = $1 AND user_id = $2 AND status = 'reserved'
		RETURNING candidate_id, amount, credit_source
	`, jobID, userID).Scan(&candidateID, &amount, &source)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	src := models.CreditSourceAdditional
	if source != nil {
		src = *source
	}
	var releaseTxID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, credit_source, job_id, candidate_id, description)
		VALUES ($1, 'release', $2, $3, $4, $5, $6)
		RETURNING id
	`, userID, amount, src, jobID, candidateID, description).Scan(&releaseTxID)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE credit_reservations SET settle_tx_id = $1 WHERE job_id = $2`, releaseTxID, jobID); err != nil {
		return false, err
	}
	if err := restore(ctx, tx, userID, src, amount); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Refund runs inside the caller's transaction. The partial unique index on
// (candidate_id) WHERE type = 'refund' decides the single winner.
func (r *Repository) Refund(ctx context.Context, tx pgx.Tx, req RefundRequest) (uuid.UUID, error) {
	var source *string
	err := tx.QueryRow(ctx, `
		SELECT credit_source FROM credit_reservations
		WHERE candidate_id = $1 AND user_id = $2 AND status IN ('reserved', 'committed')
	`, req.CandidateID, req.UserID).Scan(&source)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, errNoCharge
	}
	if err != nil {
		return uuid.Nil, err
	}
	src := models.CreditSourceAdditional
	if source != nil {
		src = *source
	}

	var refundTxID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, credit_source, job_id, candidate_id, description)
		VALUES ($1, 'refund', $2, $3, $4, $5, $6)
		ON CONFLICT (candidate_id) WHERE type = 'refund' DO NOTHING
		RETURNING id
	`, req.UserID, req.Amount, src, req.JobID, req.CandidateID, req.Reason).Scan(&refundTxID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, errAlreadyRefunded
	}
	if err != nil {
		return uuid.Nil, err
	}
	if err := restore(ctx, tx, req.UserID, src, req.Amount); err != nil {
		return uuid.Nil, err
	}
	return refundTxID, nil
}

// Grant runs inside the caller's transaction and always credits the top-up bucket.
func (r *Repository) Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason string) (uuid.UUID, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET additional_credits = additional_credits + $1, updated_at = now() WHERE id = $2
	`, amount, userID)
	if err != nil {
		return uuid.Nil, err
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, store.ErrNotFound
	}
	var txID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, credit_source, description)
		VALUES ($1, 'grant', $2, 'additional', $3)
		RETURNING id
	`, userID, amount, reason).Scan(&txID)
	if err != nil {
		return uuid.Nil, err
	}
	return txID, nil
}

// HasOpenCharge reports whether the candidate holds a reserved or committed
// charge that has not been refunded.
func (r *Repository) HasOpenCharge(ctx context.Context, candidateID uuid.UUID) (bool, error) {
	var charged bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_reservations
			WHERE candidate_id = $1 AND status IN ('reserved', 'committed')
		) AND NOT EXISTS (
			SELECT 1 FROM credit_transactions WHERE candidate_id = $1 AND type = 'refund'
		)
	`, candidateID).Scan(&charged)
	return charged, err
}

func (r *Repository) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, plan, plan_base_credits, additional_credits, credits_used_this_month,
			billing_cycle_start, created_at, updated_at
		FROM accounts WHERE id = $1
	`, userID).Scan(&a.ID, &a.Email, &a.Plan, &a.PlanBaseCredits, &a.AdditionalCredits, &a.CreditsUsedThisMonth,
		&a.BillingCycleStart, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListTransactions returns the newest entries first. txType may be empty.
func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, txType string, limit int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, COALESCE(credit_source, ''), job_id, candidate_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, txType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.CreditSource, &t.JobID, &t.CandidateID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// ResetBillingCycles zeroes monthly usage for accounts whose cycle rolled over,
// advancing the anchor by whole months so the billing day is kept.
func (r *Repository) ResetBillingCycles(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			credits_used_this_month = 0,
			billing_cycle_start = billing_cycle_start + make_interval(
				months => (EXTRACT(YEAR FROM age($1, billing_cycle_start)) * 12
					+ EXTRACT(MONTH FROM age($1, billing_cycle_start)))::int),
			updated_at = now()
		WHERE billing_cycle_start + interval '1 month' <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) accountExists(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// restore returns amount to the bucket it was taken from. A plan debit that was
// already wiped by a billing reset goes back as a top-up instead.
func restore(ctx context.Context, tx pgx.Tx, userID uuid.UUID, source string, amount int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET
			credits_used_this_month = CASE WHEN $2 = 'plan' AND credits_used_this_month >= $3
				THEN credits_used_this_month - $3 ELSE credits_used_this_month END,
			additional_credits = CASE WHEN $2 = 'plan' AND credits_used_this_month >= $3
				THEN additional_credits ELSE additional_credits + $3 END,
			updated_at = now()
		WHERE id = $1
	`, userID, source, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
