package refund

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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hirelens/backend/internal/ledger"
	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/store"
)

// Pipeline actions.
const (
	ActionRefunded  = "refunded"
	ActionCommitted = "committed"
	ActionNoop      = "noop"
)

// IdempotencyPrefix prefixes the description of every quality refund row.
const IdempotencyPrefix = "quality_refund_"

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_pipeline_results_total",
		Help: "Completion signals processed by action and whether they were replays",
	}, []string{"action", "idempotent"})

	processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refund_pipeline_duration_seconds",
		Help:    "Time to process one completion signal",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
)

var tracer = otel.Tracer("github.com/hirelens/backend/internal/refund")

// Outcome is what the analysis pipeline reports for a finished job.
type Outcome struct {
	Confidence     *float64
	QuickExtracted *models.QuickExtracted
	AnalysisMode   string
}

type Result struct {
	Action     string   `json:"action"`
	Idempotent bool     `json:"idempotent"`
	Verdict    *Verdict `json:"verdict,omitempty"`
}

// JobStore is the job/candidate persistence the pipeline needs.
type JobStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error)
	// MarkCompleted moves a queued/processing job and its candidate to completed; false if it already left those states.
	MarkCompleted(ctx context.Context, tx pgx.Tx, jobID, candidateID uuid.UUID, confidence *float64, quick *models.QuickExtracted, requiresReview bool) (bool, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, jobID, candidateID uuid.UUID, confidence *float64, quick *models.QuickExtracted) error
}

// Ledger is the subset of ledger.Service the pipeline needs.
type Ledger interface {
	CommitUsage(ctx context.Context, jobID uuid.UUID) (bool, error)
	Refund(ctx context.Context, tx pgx.Tx, req ledger.RefundRequest) (uuid.UUID, error)
}

type Pipeline struct {
	jobs       JobStore
	ledger     Ledger
	notifier   Notifier
	thresholds Thresholds
	amount     int
	now        func() time.Time
	log        *slog.Logger
}

func NewPipeline(jobs JobStore, l Ledger, notifier Notifier, thresholds Thresholds, amount int, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if amount <= 0 {
		amount = ledger.CreditsPerAnalysis
	}
	return &Pipeline{
		jobs:       jobs,
		ledger:     l,
		notifier:   notifier,
		thresholds: thresholds,
		amount:     amount,
		now:        time.Now,
		log:        log,
	}
}

// Process applies the refund-or-commit decision for one completion signal.
// It is safe to call any number of times for the same job, concurrently or
// out of order; on error nothing has been applied and the call can be repeated.
func (p *Pipeline) Process(ctx context.Context, candidateID, jobID uuid.UUID, outcome Outcome) (*Result, error) {
	ctx, span := tracer.Start(ctx, "refund.process")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID.String()), attribute.String("candidate_id", candidateID.String()))
	began := time.Now()
	defer func() { processDuration.Observe(time.Since(began).Seconds()) }()

	res, err := p.process(ctx, candidateID, jobID, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("action", res.Action), attribute.Bool("idempotent", res.Idempotent))
	resultsTotal.WithLabelValues(res.Action, fmt.Sprint(res.Idempotent)).Inc()
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, candidateID, jobID uuid.UUID, outcome Outcome) (*Result, error) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", store.Classify(err))
	}
	if job.CandidateID != candidateID {
		return nil, fmt.Errorf("%w: job %s does not belong to candidate %s", store.ErrNotFound, jobID, candidateID)
	}
	mode := outcome.AnalysisMode
	if mode == "" {
		mode = job.AnalysisMode
	}
	verdict := p.thresholds.Evaluate(outcome.Confidence, outcome.QuickExtracted, mode)

	// The worker only reports back on accepted jobs, so the reservation is consumed either way.
	if _, err := p.ledger.CommitUsage(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}

	if !verdict.Eligible {
		changed, err := p.complete(ctx, job, outcome, false)
		if err != nil {
			return nil, err
		}
		return &Result{Action: ActionCommitted, Idempotent: !changed, Verdict: &verdict}, nil
	}
	return p.refund(ctx, job, outcome, verdict)
}

func (p *Pipeline) refund(ctx context.Context, job *models.ProcessingJob, outcome Outcome, verdict Verdict) (*Result, error) {
	tx, err := p.jobs.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", store.Classify(err))
	}
	defer tx.Rollback(ctx)

	_, err = p.ledger.Refund(ctx, tx, ledger.RefundRequest{
		UserID:      job.UserID,
		CandidateID: job.CandidateID,
		JobID:       &job.ID,
		Amount:      p.amount,
		Reason:      IdempotencyPrefix + job.CandidateID.String() + ": " + verdict.Reason,
	})
	switch {
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		p.log.Info("duplicate refund signal", "job_id", job.ID, "candidate_id", job.CandidateID)
		return &Result{Action: ActionRefunded, Idempotent: true, Verdict: &verdict}, nil
	case errors.Is(err, ledger.ErrNoCharge):
		_ = tx.Rollback(ctx)
		p.log.Warn("refund owed but candidate holds no charge", "job_id", job.ID, "candidate_id", job.CandidateID)
		changed, err := p.complete(ctx, job, outcome, true)
		if err != nil {
			return nil, err
		}
		return &Result{Action: ActionNoop, Idempotent: !changed, Verdict: &verdict}, nil
	case err != nil:
		return nil, err
	}

	if err := p.jobs.MarkRefunded(ctx, tx, job.ID, job.CandidateID, outcome.Confidence, outcome.QuickExtracted); err != nil {
		return nil, fmt.Errorf("mark refunded: %w", store.Classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", store.Classify(err))
	}
	p.log.Info("quality refund issued", "user_id", job.UserID, "candidate_id", job.CandidateID, "reason", verdict.Reason)
	p.notify(ctx, job, verdict)
	return &Result{Action: ActionRefunded, Idempotent: false, Verdict: &verdict}, nil
}

func (p *Pipeline) complete(ctx context.Context, job *models.ProcessingJob, outcome Outcome, requiresReview bool) (bool, error) {
	tx, err := p.jobs.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", store.Classify(err))
	}
	defer tx.Rollback(ctx)
	changed, err := p.jobs.MarkCompleted(ctx, tx, job.ID, job.CandidateID, outcome.Confidence, outcome.QuickExtracted, requiresReview)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", store.Classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", store.Classify(err))
	}
	return changed, nil
}

func (p *Pipeline) notify(ctx context.Context, job *models.ProcessingJob, verdict Verdict) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.Publish(ctx, Event{
		Type:    EventQualityRefund,
		UserID:  job.UserID,
		Message: refundMessage(verdict),
		Details: EventDetails{
			CandidateID:   job.CandidateID,
			Confidence:    verdict.Confidence,
			MissingFields: verdict.MissingFields,
			Reason:        verdict.Reason,
		},
		Timestamp: p.now().UTC(),
	})
	if err != nil {
		p.log.Warn("publish refund event", "candidate_id", job.CandidateID, "error", err)
	}
}
