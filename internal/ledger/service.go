package ledger

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
	"go.opentelemetry.io/otel/trace"

	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/store"
)

// CreditsPerAnalysis is the price of one analysis attempt.
const CreditsPerAnalysis = 1

var (
	errInsufficientCredits = errors.New("insufficient credits")
	errAlreadyRefunded     = errors.New("candidate already refunded")
	errAlreadyCharged      = errors.New("candidate already charged")
	errNoCharge            = errors.New("no open charge for candidate")
)

var (
	// ErrInsufficientCredits is returned when a reservation is refused; nothing was written.
	ErrInsufficientCredits = errInsufficientCredits
	// ErrAlreadyRefunded is the idempotent-success signal of Refund.
	ErrAlreadyRefunded = errAlreadyRefunded
	// ErrAlreadyCharged is returned by Reserve when the job or candidate already holds an open charge.
	ErrAlreadyCharged = errAlreadyCharged
	// ErrNoCharge is returned by Refund when there is nothing to refund.
	ErrNoCharge = errNoCharge
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations by operation and result",
	}, []string{"operation", "result"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})
)

var tracer = otel.Tracer("github.com/hirelens/backend/internal/ledger")

type ReserveRequest struct {
	UserID      uuid.UUID
	JobID       uuid.UUID
	CandidateID *uuid.UUID
	Amount      int
	Description string
}

type RefundRequest struct {
	UserID      uuid.UUID
	CandidateID uuid.UUID
	JobID       *uuid.UUID
	Amount      int
	Reason      string
}

// Service is the only writer of account balances.
type Service interface {
	// Reserve debits one analysis credit inside tx.
	Reserve(ctx context.Context, tx pgx.Tx, req ReserveRequest) (uuid.UUID, error)
	// CommitUsage marks the job's reservation consumed; false when there was nothing to commit.
	CommitUsage(ctx context.Context, jobID uuid.UUID) (bool, error)
	// Release returns the job's reserved credit; false when there was nothing to release.
	Release(ctx context.Context, userID, jobID uuid.UUID, reason string) (bool, error)
	Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason string) (uuid.UUID, error)
	Refund(ctx context.Context, tx pgx.Tx, req RefundRequest) (uuid.UUID, error)
	HasOpenCharge(ctx context.Context, candidateID uuid.UUID) (bool, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, txType string, limit int) ([]*models.CreditTransaction, error)
	ResetBillingCycles(ctx context.Context, now time.Time) (int64, error)
}

type service struct {
	repo *Repository
	log  *slog.Logger
}

func NewService(repo *Repository, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{repo: repo, log: log}
}

var _ Service = (*service)(nil)

func (s *service) Reserve(ctx context.Context, tx pgx.Tx, req ReserveRequest) (uuid.UUID, error) {
	if req.Amount <= 0 {
		req.Amount = CreditsPerAnalysis
	}
	ctx, span, done := s.start(ctx, "reserve", attribute.String("user_id", req.UserID.String()), attribute.String("job_id", req.JobID.String()))
	txID, err := s.repo.Reserve(ctx, tx, req)
	done(err, errInsufficientCredits, errAlreadyCharged)
	span.End()
	if err != nil {
		return uuid.Nil, wrap("reserve", err)
	}
	return txID, nil
}

func (s *service) CommitUsage(ctx context.Context, jobID uuid.UUID) (bool, error) {
	ctx, span, done := s.start(ctx, "commit_usage", attribute.String("job_id", jobID.String()))
	ok, err := s.repo.CommitUsage(ctx, jobID)
	done(err)
	span.End()
	if err != nil {
		return false, wrap("commit usage", err)
	}
	return ok, nil
}

func (s *service) Release(ctx context.Context, userID, jobID uuid.UUID, reason string) (bool, error) {
	ctx, span, done := s.start(ctx, "release", attribute.String("job_id", jobID.String()))
	ok, err := s.repo.Release(ctx, userID, jobID, reason)
	done(err)
	span.End()
	if err != nil {
		return false, wrap("release", err)
	}
	if ok {
		s.log.Info("reservation released", "user_id", userID, "job_id", jobID, "reason", reason)
	}
	return ok, nil
}

func (s *service) Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("grant: amount must be > 0, got %d", amount)
	}
	ctx, span, done := s.start(ctx, "grant", attribute.String("user_id", userID.String()), attribute.Int("amount", amount))
	txID, err := s.repo.Grant(ctx, tx, userID, amount, reason)
	done(err)
	span.End()
	if err != nil {
		return uuid.Nil, wrap("grant", err)
	}
	return txID, nil
}

func (s *service) Refund(ctx context.Context, tx pgx.Tx, req RefundRequest) (uuid.UUID, error) {
	if req.Amount <= 0 {
		req.Amount = CreditsPerAnalysis
	}
	ctx, span, done := s.start(ctx, "refund", attribute.String("candidate_id", req.CandidateID.String()))
	txID, err := s.repo.Refund(ctx, tx, req)
	done(err, errAlreadyRefunded, errNoCharge)
	span.End()
	if err != nil {
		return uuid.Nil, wrap("refund", err)
	}
	return txID, nil
}

func (s *service) HasOpenCharge(ctx context.Context, candidateID uuid.UUID) (bool, error) {
	charged, err := s.repo.HasOpenCharge(ctx, candidateID)
	if err != nil {
		return false, wrap("has open charge", err)
	}
	return charged, nil
}

func (s *service) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, wrap("get account", err)
	}
	return acc, nil
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, txType string, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	list, err := s.repo.ListTransactions(ctx, userID, txType, limit)
	if err != nil {
		return nil, wrap("list transactions", err)
	}
	return list, nil
}

func (s *service) ResetBillingCycles(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.ResetBillingCycles(ctx, now)
	if err != nil {
		return 0, wrap("reset billing cycles", err)
	}
	if n > 0 {
		s.log.Info("billing cycles reset", "accounts", n)
	}
	return n, nil
}

// start opens a span and returns a completion func that records the metric
// result. Errors listed in expected count as outcomes, not failures.
func (s *service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(err error, expected ...error)) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, span, func(err error, expected ...error) {
		operationDuration.WithLabelValues(op).Observe(time.Since(began).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
			for _, e := range expected {
				if errors.Is(err, e) {
					result = e.Error()
					break
				}
			}
			if result == "error" {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.SetAttributes(attribute.String("result", result))
		operationsTotal.WithLabelValues(op, result).Inc()
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, store.Classify(err))
}
