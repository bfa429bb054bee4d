// Package incident records declared outages and pays credit compensation to
// the users they affected, at most once per (incident, user).
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/store"
)

var (
	ErrAlreadyResolved = errors.New("incident already resolved")
	ErrInvalidLevel    = errors.New("level must be P1, P2 or P3")
	ErrInvalidRate     = errors.New("compensation rate must be in (0, 1]")

	// ErrAlreadyCompensated is the per-user idempotency hit; Compensate reports it as skipped.
	ErrAlreadyCompensated = errors.New("user already compensated for incident")
)

// DefaultRates is the compensation rate applied when an incident is declared without one.
var DefaultRates = map[string]float64{
	models.IncidentP1: 0.10,
	models.IncidentP2: 0.05,
	models.IncidentP3: 0.02,
}

var compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "incident_compensations_total",
	Help: "Per-user compensation outcomes",
}, []string{"result"})

type AffectedUser struct {
	UserID uuid.UUID
	Plan   string
}

type CreateInput struct {
	Level            string
	Title            string
	Description      string
	AffectedServices []string
	CompensationRate *float64
	StartedAt        *time.Time
	CreatedBy        string
}

// UpdateInput holds the fields an admin may edit; nil means unchanged.
type UpdateInput struct {
	Title            *string
	Description      *string
	Level            *string
	AffectedServices *[]string
	CompensationRate *float64
}

type Detail struct {
	Incident      *models.IncidentReport         `json:"incident"`
	Compensations []*models.IncidentCompensation `json:"compensations"`
	TotalCredits  int                            `json:"total_credits"`
}

type CompensationResult struct {
	ProcessedCount int      `json:"processedCount"`
	SkippedCount   int      `json:"skippedCount"`
	FailedCount    int      `json:"failedCount"`
	TotalCredits   int      `json:"totalCredits"`
	Idempotent     bool     `json:"idempotent"`
	Errors         []string `json:"errors,omitempty"`
}

// Store is the incident persistence the service needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, i *models.IncidentReport) error
	Get(ctx context.Context, id uuid.UUID) (*models.IncidentReport, error)
	List(ctx context.Context, status string, limit int) ([]*models.IncidentReport, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.IncidentReport, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (*models.IncidentReport, error)
	AffectedUsers(ctx context.Context, from, to time.Time) ([]AffectedUser, error)
	InsertCompensation(ctx context.Context, tx pgx.Tx, c *models.IncidentCompensation) error
	AttachTransaction(ctx context.Context, tx pgx.Tx, compensationID, txID uuid.UUID) error
	ListCompensations(ctx context.Context, incidentID uuid.UUID) ([]*models.IncidentCompensation, error)
}

// Granter is the subset of ledger.Service used to pay compensation.
type Granter interface {
	Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason string) (uuid.UUID, error)
}

type Service struct {
	repo        Store
	ledger      Granter
	planCredits func(plan string) int
	now         func() time.Time
	log         *slog.Logger
}

// NewService wires the incident service. planCredits maps a plan tier to its monthly allowance.
func NewService(repo Store, l Granter, planCredits func(plan string) int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, ledger: l, planCredits: planCredits, now: time.Now, log: log}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.IncidentReport, error) {
	rate, ok := DefaultRates[in.Level]
	if !ok {
		return nil, ErrInvalidLevel
	}
	if in.CompensationRate != nil {
		if !validRate(*in.CompensationRate) {
			return nil, ErrInvalidRate
		}
		rate = *in.CompensationRate
	}
	started := s.now()
	if in.StartedAt != nil {
		started = *in.StartedAt
	}
	services := in.AffectedServices
	if services == nil {
		services = []string{}
	}
	i := &models.IncidentReport{
		Level:            in.Level,
		Title:            in.Title,
		Description:      in.Description,
		AffectedServices: services,
		CompensationRate: rate,
		StartedAt:        started,
		CreatedBy:        in.CreatedBy,
	}
	if err := s.repo.Create(ctx, i); err != nil {
		return nil, fmt.Errorf("create incident: %w", store.Classify(err))
	}
	s.log.Info("incident declared", "incident_id", i.ID, "level", i.Level, "rate", rate, "by", in.CreatedBy)
	return i, nil
}

func (s *Service) List(ctx context.Context, status string) ([]*models.IncidentReport, error) {
	list, err := s.repo.List(ctx, status, 50)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", store.Classify(err))
	}
	return list, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Detail, error) {
	i, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", store.Classify(err))
	}
	comps, err := s.repo.ListCompensations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list compensations: %w", store.Classify(err))
	}
	if comps == nil {
		comps = []*models.IncidentCompensation{}
	}
	d := &Detail{Incident: i, Compensations: comps}
	for _, c := range comps {
		d.TotalCredits += c.CreditsGranted
	}
	return d, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.IncidentReport, error) {
	if in.Level != nil {
		if _, ok := DefaultRates[*in.Level]; !ok {
			return nil, ErrInvalidLevel
		}
	}
	if in.CompensationRate != nil && !validRate(*in.CompensationRate) {
		return nil, ErrInvalidRate
	}
	i, err := s.repo.Update(ctx, id, in)
	if err != nil {
		return nil, fmt.Errorf("update incident: %w", store.Classify(err))
	}
	return i, nil
}

// Resolve is one-way. Resolving twice returns ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.IncidentReport, error) {
	i, err := s.repo.Resolve(ctx, id, resolvedBy, s.now())
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.repo.Get(ctx, id); getErr != nil {
			return nil, fmt.Errorf("get incident: %w", store.Classify(getErr))
		}
		return nil, ErrAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolve incident: %w", store.Classify(err))
	}
	s.log.Info("incident resolved", "incident_id", id, "by", resolvedBy, "duration_minutes", i.DurationMinutes)
	return i, nil
}

// Compensate grants every affected user their compensation, each in its own
// transaction. The (incident, user) unique index makes re-runs skip users
// already paid; a user whose grant failed is picked up by the next run.
func (s *Service) Compensate(ctx context.Context, id uuid.UUID) (*CompensationResult, error) {
	i, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", store.Classify(err))
	}
	until := s.now()
	if i.ResolvedAt != nil {
		until = *i.ResolvedAt
	}
	users, err := s.repo.AffectedUsers(ctx, i.StartedAt, until)
	if err != nil {
		return nil, fmt.Errorf("affected users: %w", store.Classify(err))
	}

	res := &CompensationResult{}
	for _, u := range users {
		credits := GrantAmount(s.planCredits(u.Plan), i.CompensationRate)
		err := s.compensateUser(ctx, i, u, credits)
		switch {
		case errors.Is(err, ErrAlreadyCompensated):
			res.SkippedCount++
			compensationsTotal.WithLabelValues("skipped").Inc()
		case err != nil:
			res.FailedCount++
			res.Errors = append(res.Errors, fmt.Sprintf("user %s: %v", u.UserID, err))
			compensationsTotal.WithLabelValues("failed").Inc()
			s.log.Error("compensation failed", "incident_id", id, "user_id", u.UserID, "error", err)
		default:
			res.ProcessedCount++
			res.TotalCredits += credits
			compensationsTotal.WithLabelValues("granted").Inc()
		}
	}
	res.Idempotent = res.ProcessedCount == 0
	s.log.Info("incident compensation run", "incident_id", id, "processed", res.ProcessedCount,
		"skipped", res.SkippedCount, "failed", res.FailedCount, "credits", res.TotalCredits)
	return res, nil
}

func (s *Service) compensateUser(ctx context.Context, i *models.IncidentReport, u AffectedUser, credits int) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return store.Classify(err)
	}
	defer tx.Rollback(ctx)

	c := &models.IncidentCompensation{
		IncidentID:     i.ID,
		UserID:         u.UserID,
		CreditsGranted: credits,
		PlanAtIncident: u.Plan,
	}
	if err := s.repo.InsertCompensation(ctx, tx, c); err != nil {
		if errors.Is(err, ErrAlreadyCompensated) {
			return err
		}
		return store.Classify(err)
	}
	txID, err := s.ledger.Grant(ctx, tx, u.UserID, credits, fmt.Sprintf("incident compensation %s (%s)", i.ID, i.Level))
	if err != nil {
		return err
	}
	if err := s.repo.AttachTransaction(ctx, tx, c.ID, txID); err != nil {
		return store.Classify(err)
	}
	return store.Classify(tx.Commit(ctx))
}

// GrantAmount is ceil(base × rate), at least one credit.
func GrantAmount(base int, rate float64) int {
	n := int(math.Ceil(float64(base)*rate - 1e-9))
	if n < 1 {
		return 1
	}
	return n
}

func validRate(r float64) bool {
	return r > 0 && r <= 1 && !math.IsNaN(r)
}
