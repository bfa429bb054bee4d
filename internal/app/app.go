// Package app wires the services shared by the API server and ledgerctl.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/hirelens/backend/internal/cleanup"
	"github.com/hirelens/backend/internal/config"
	"github.com/hirelens/backend/internal/db"
	"github.com/hirelens/backend/internal/incident"
	"github.com/hirelens/backend/internal/jobs"
	"github.com/hirelens/backend/internal/ledger"
	"github.com/hirelens/backend/internal/refund"
	"github.com/hirelens/backend/internal/storage"
)

// NewLogger returns a debug text logger in development and JSON otherwise.
func NewLogger(development bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if development {
		opts.Level = slog.LevelDebug
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Core holds the pool and every service that does not need the River client.
type Core struct {
	Pool         *pgxpool.Pool
	Ledger       ledger.Service
	JobsRepo     *jobs.Repository
	IncidentRepo *incident.Repository
	Incidents    *incident.Service
	Refunds      *refund.Pipeline
	Storage      storage.Storage
	Sweeper      *cleanup.Sweeper
}

// NewCore connects to Postgres and builds the shared services. The caller
// owns the pool and must Close it.
func NewCore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Core, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	objects, err := storage.NewStorage(storage.Config{
		Type:      cfg.Storage.Type,
		BasePath:  cfg.Storage.LocalDir,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Endpoint:  cfg.Storage.Endpoint,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), log)
	jobsRepo := jobs.NewRepository(pool)
	incidentRepo := incident.NewRepository(pool)

	return &Core{
		Pool:         pool,
		Ledger:       ledgerSvc,
		JobsRepo:     jobsRepo,
		IncidentRepo: incidentRepo,
		Incidents:    incident.NewService(incidentRepo, ledgerSvc, cfg.PlanBaseCredits, log),
		Refunds: refund.NewPipeline(jobsRepo, ledgerSvc, refund.NewPgNotifier(pool),
			refund.ThresholdsFromConfig(cfg.Refund), cfg.Refund.Amount, log),
		Storage: objects,
		Sweeper: cleanup.NewSweeper(cleanup.NewRepository(pool), objects, ledgerSvc, cleanup.Options{
			BatchSize:        cfg.Cleanup.BatchSize,
			Retention:        cfg.Retention(),
			StaleReservation: cfg.Cleanup.StaleReservation,
		}, log),
	}, nil
}

// Migrate applies the service schema and River's own tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	if err := db.Migrate(ctx, pool, log); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		log.Info("river migrations applied", "count", len(res.Versions))
	}
	return nil
}
