package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/hirelens/backend/internal/cleanup"
)

type CleanupSweepArgs struct{}

func (CleanupSweepArgs) Kind() string { return "cleanup_sweep" }

// Sweeper runs every cleanup pass once.
type Sweeper interface {
	Run(ctx context.Context) *cleanup.Report
}

type CleanupSweepWorker struct {
	river.WorkerDefaults[CleanupSweepArgs]
	sweeper Sweeper
	log     *slog.Logger
}

func NewCleanupSweepWorker(s Sweeper, log *slog.Logger) *CleanupSweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &CleanupSweepWorker{sweeper: s, log: log}
}

// Work never fails: per-item errors are in the report and retried next run.
func (w *CleanupSweepWorker) Work(ctx context.Context, job *river.Job[CleanupSweepArgs]) error {
	report := w.sweeper.Run(ctx)
	w.log.Info("cleanup sweep finished",
		"orphan_cleaned", report.OrphanFiles.Cleaned, "orphan_failed", report.OrphanFiles.Failed,
		"purged", report.OldRecords.Cleaned, "purge_failed", report.OldRecords.Failed,
		"released", report.StaleReservations.Cleaned, "release_failed", report.StaleReservations.Failed)
	return nil
}

type BillingCycleResetArgs struct{}

func (BillingCycleResetArgs) Kind() string { return "billing_cycle_reset" }

// BillingResetter zeroes monthly usage for accounts whose cycle rolled over.
type BillingResetter interface {
	ResetBillingCycles(ctx context.Context, now time.Time) (int64, error)
}

type BillingCycleResetWorker struct {
	river.WorkerDefaults[BillingCycleResetArgs]
	ledger BillingResetter
}

func NewBillingCycleResetWorker(l BillingResetter) *BillingCycleResetWorker {
	return &BillingCycleResetWorker{ledger: l}
}

func (w *BillingCycleResetWorker) Work(ctx context.Context, job *river.Job[BillingCycleResetArgs]) error {
	_, err := w.ledger.ResetBillingCycles(ctx, time.Now())
	return err
}

// PeriodicJobs schedules the sweep and the billing reset. River only enqueues
// periodic jobs from the elected leader, so overlapping instances are fine.
func PeriodicJobs(sweepEvery, billingEvery time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery),
			func() (river.JobArgs, *river.InsertOpts) { return CleanupSweepArgs{}, nil },
			nil,
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(billingEvery),
			func() (river.JobArgs, *river.InsertOpts) { return BillingCycleResetArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
