package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/hirelens/backend/internal/app"
	"github.com/hirelens/backend/internal/auth"
	"github.com/hirelens/backend/internal/config"
	"github.com/hirelens/backend/internal/execution"
	"github.com/hirelens/backend/internal/handlers"
	"github.com/hirelens/backend/internal/jobs"
	"github.com/hirelens/backend/internal/middleware"
	"github.com/hirelens/backend/internal/router"
	"github.com/hirelens/backend/internal/services"
	"github.com/hirelens/backend/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.IsDevelopment())
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.InitTracing(cfg.TracesExporter)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Pool.Close()
	logger.Info("connected to postgres")

	if err := app.Migrate(ctx, core.Pool, logger); err != nil {
		return err
	}

	// Jobs: insert func is set after the River client is created (breaks init cycle).
	var insertMu sync.Mutex
	var insertFn jobs.InsertDispatchTxFunc
	insertDispatch := func(ctx context.Context, tx pgx.Tx, args execution.DispatchAnalysisArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	jobsSvc := jobs.NewService(core.JobsRepo, core.Ledger, insertDispatch, cfg.Limits.MaxConcurrentUploads, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewDispatchAnalysisWorker(jobsSvc, cfg.Analysis.WorkerURL, cfg.PublicBaseURL, cfg.Analysis.Timeout, logger))
	river.AddWorker(workers, execution.NewCleanupSweepWorker(core.Sweeper, logger))
	river.AddWorker(workers, execution.NewBillingCycleResetWorker(core.Ledger))

	riverClient, err := river.NewClient(riverpgxv5.New(core.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(cfg.Cleanup.Interval, cfg.Cleanup.BillingResetEvery),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.DispatchAnalysisArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: cfg.Analysis.MaxAttempts})
		return err
	}
	insertMu.Unlock()

	validator, err := services.NewValidator()
	if err != nil {
		return err
	}
	authSvc := auth.NewService(cfg.Auth.JWTSecret)

	api := router.New(router.Deps{
		Tokens:       authSvc,
		Accounts:     core.Ledger,
		UploadLimit:  middleware.NewRateLimiter(cfg.Limits.UploadsPerMinute),
		CronSecret:   cfg.Auth.CronSecret,
		WorkerSecret: cfg.Auth.WorkerCallbackSecret,
		Uploads:      &handlers.UploadHandler{Jobs: jobsSvc, Logger: logger},
		Callback:     &handlers.CallbackHandler{Refunds: core.Refunds, Jobs: jobsSvc, Validator: validator, Logger: logger},
		Credits:      &handlers.CreditsHandler{Ledger: core.Ledger, Compensations: core.IncidentRepo, Logger: logger},
		Incidents:    &handlers.IncidentHandler{Incidents: core.Incidents, Logger: logger},
		Cron:         &handlers.CronHandler{Sweeper: core.Sweeper, Logger: logger},
		Logger:       logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
