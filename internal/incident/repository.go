package incident

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

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const incidentColumns = `id, level, title, description, affected_services, status, compensation_rate,
	started_at, resolved_at, resolved_by, duration_minutes, created_by, created_at, updated_at`

func scanIncident(row pgx.Row) (*models.IncidentReport, error) {
	var i models.IncidentReport
	err := row.Scan(&i.ID, &i.Level, &i.Title, &i.Description, &i.AffectedServices, &i.Status, &i.CompensationRate,
		&i.StartedAt, &i.ResolvedAt, &i.ResolvedBy, &i.DurationMinutes, &i.CreatedBy, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *Repository) Create(ctx context.Context, i *models.IncidentReport) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO incident_reports (level, title, description, affected_services, status, compensation_rate, started_at, created_by)
		VALUES ($1, $2, $3, $4, 'ongoing', $5, $6, $7)
		RETURNING id, status, created_at, updated_at
	`, i.Level, i.Title, i.Description, i.AffectedServices, i.CompensationRate, i.StartedAt, i.CreatedBy,
	).Scan(&i.ID, &i.Status, &i.CreatedAt, &i.UpdatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.IncidentReport, error) {
	return scanIncident(r.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incident_reports WHERE id = $1`, id))
}

// List returns the newest incidents first; an empty status matches all.
func (r *Repository) List(ctx context.Context, status string, limit int) ([]*models.IncidentReport, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+incidentColumns+` FROM incident_reports
		WHERE $1 = '' OR status = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.IncidentReport
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Update writes the editable fields; nil leaves a field unchanged.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.IncidentReport, error) {
	return scanIncident(r.pool.QueryRow(ctx, `
		UPDATE incident_reports SET
			title             = COALESCE($2, title),
			description       = COALESCE($3, description),
			level             = COALESCE($4, level),
			affected_services = COALESCE($5, affected_services),
			compensation_rate = COALESCE($6, compensation_rate),
			updated_at        = now()
		WHERE id = $1
		RETURNING `+incidentColumns,
		id, in.Title, in.Description, in.Level, in.AffectedServices, in.CompensationRate))
}

// Resolve moves an ongoing incident to resolved. pgx.ErrNoRows means it
// does not exist or was already resolved.
func (r *Repository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (*models.IncidentReport, error) {
	return scanIncident(r.pool.QueryRow(ctx, `
		UPDATE incident_reports SET
			status           = 'resolved',
			resolved_at      = $3,
			resolved_by      = $2,
			duration_minutes = GREATEST(0, floor(extract(epoch FROM ($3 - started_at)) / 60))::int,
			updated_at       = now()
		WHERE id = $1 AND status = 'ongoing'
		RETURNING `+incidentColumns,
		id, resolvedBy, at))
}

// AffectedUsers lists each user with a job created inside the window, with
// the plan snapshot of their earliest such job.
func (r *Repository) AffectedUsers(ctx context.Context, from, to time.Time) ([]AffectedUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (user_id) user_id, plan
		FROM processing_jobs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY user_id, created_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AffectedUser
	for rows.Next() {
		var u AffectedUser
		if err := rows.Scan(&u.UserID, &u.Plan); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// InsertCompensation claims the (incident, user) pair. ErrAlreadyCompensated
// means another run already holds it.
func (r *Repository) InsertCompensation(ctx context.Context, tx pgx.Tx, c *models.IncidentCompensation) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO incident_compensations (incident_id, user_id, credits_granted, plan_at_incident)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (incident_id, user_id) DO NOTHING
		RETURNING id, created_at
	`, c.IncidentID, c.UserID, c.CreditsGranted, c.PlanAtIncident).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyCompensated
	}
	return err
}

func (r *Repository) AttachTransaction(ctx context.Context, tx pgx.Tx, compensationID, txID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE incident_compensations SET transaction_id = $2 WHERE id = $1`, compensationID, txID)
	return err
}

func (r *Repository) ListCompensations(ctx context.Context, incidentID uuid.UUID) ([]*models.IncidentCompensation, error) {
	return r.listCompensations(ctx, `WHERE incident_id = $1 ORDER BY created_at`, incidentID)
}

// CompensationsForUser backs the refund history endpoint.
func (r *Repository) CompensationsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.IncidentCompensation, error) {
	return r.listCompensations(ctx, `WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (r *Repository) listCompensations(ctx context.Context, where string, args ...any) ([]*models.IncidentCompensation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, incident_id, user_id, credits_granted, plan_at_incident, transaction_id, created_at
		FROM incident_compensations `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.IncidentCompensation
	for rows.Next() {
		var c models.IncidentCompensation
		if err := rows.Scan(&c.ID, &c.IncidentID, &c.UserID, &c.CreditsGranted, &c.PlanAtIncident, &c.TransactionID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
