// Package cleanup reconciles storage objects, soft-deleted candidates and
// leaked reservations against job state. Every pass is batch-bounded,
// tolerates running concurrently with itself, and never fails the sweep
// because of one item.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/hirelens/backend/internal/models"
)

const (
	PassOrphanFiles       = "orphan_files"
	PassOldRecords        = "old_records"
	PassStaleReservations = "stale_reservations"
)

var itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cleanup_items_total",
	Help: "Cleanup sweep items by pass and result",
}, []string{"pass", "result"})

// Result is the per-pass summary.
type Result struct {
	Processed int      `json:"processed"`
	Cleaned   int      `json:"cleaned"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

func (r *Result) fail(pass, msg string) {
	r.Failed++
	r.Errors = append(r.Errors, msg)
	itemsTotal.WithLabelValues(pass, "failed").Inc()
}

func (r *Result) clean(pass string) {
	r.Cleaned++
	itemsTotal.WithLabelValues(pass, "cleaned").Inc()
}

// Report is what a full sweep returns.
type Report struct {
	Timestamp         time.Time `json:"timestamp"`
	OrphanFiles       Result    `json:"orphanFiles"`
	OldRecords        Result    `json:"oldRecords"`
	StaleReservations Result    `json:"staleReservations"`
}

// Success is false when any item failed.
func (r *Report) Success() bool {
	return r.OrphanFiles.Failed+r.OldRecords.Failed+r.StaleReservations.Failed == 0
}

type OrphanFile struct {
	JobID      uuid.UUID
	StorageKey string
}

type ExpiredCandidate struct {
	ID          uuid.UUID
	StorageKeys []string
}

type StaleReservation struct {
	JobID     uuid.UUID
	UserID    uuid.UUID
	JobStatus string
}

// Store is the job/candidate state the sweep reconciles.
type Store interface {
	// ListOrphanFiles returns refunded jobs whose object is not confirmed deleted.
	ListOrphanFiles(ctx context.Context, limit int) ([]OrphanFile, error)
	SetCleanupState(ctx context.Context, jobID uuid.UUID, state string, detail *string) error
	// ListExpiredCandidates returns candidates soft-deleted before cutoff.
	ListExpiredCandidates(ctx context.Context, cutoff time.Time, limit int) ([]ExpiredCandidate, error)
	// DeleteCandidate hard-deletes the candidate and its jobs; false when already gone.
	DeleteCandidate(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error)
	// ListStaleReservations returns open reservations whose job failed or sat queued since before staleBefore.
	ListStaleReservations(ctx context.Context, staleBefore time.Time, limit int) ([]StaleReservation, error)
	// FailQueuedJob fails a job still queued; false when it moved on.
	FailQueuedJob(ctx context.Context, jobID uuid.UUID, reason string) (bool, error)
}

// Objects is the file store the orphan and purge passes clean up.
type Objects interface {
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type Ledger interface {
	Release(ctx context.Context, userID, jobID uuid.UUID, reason string) (bool, error)
}

type Options struct {
	BatchSize        int
	Retention        time.Duration
	StaleReservation time.Duration
}

type Sweeper struct {
	store   Store
	objects Objects
	ledger  Ledger
	opts    Options
	now     func() time.Time
	log     *slog.Logger
}

func NewSweeper(store Store, objects Objects, ledger Ledger, opts Options, log *slog.Logger) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	if opts.StaleReservation <= 0 {
		opts.StaleReservation = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, objects: objects, ledger: ledger, opts: opts, now: time.Now, log: log}
}

// Run executes all passes concurrently and never returns an error.
func (s *Sweeper) Run(ctx context.Context) *Report {
	report := &Report{Timestamp: s.now().UTC()}

	var g errgroup.Group
	g.Go(func() error {
		report.OrphanFiles = s.OrphanFiles(ctx)
		return nil
	})
	g.Go(func() error {
		report.OldRecords = s.PurgeDeleted(ctx)
		return nil
	})
	g.Go(func() error {
		report.StaleReservations = s.ReleaseStale(ctx)
		return nil
	})
	_ = g.Wait()

	s.log.Info("cleanup sweep completed",
		"orphan_processed", report.OrphanFiles.Processed,
		"purge_processed", report.OldRecords.Processed,
		"stale_processed", report.StaleReservations.Processed,
		"success", report.Success())
	return report
}

// OrphanFiles deletes the stored file of refunded jobs and records the
// outcome in the job's cleanup state. A job without a key, or whose object
// is already gone, is recorded as no_file. Failed deletes are retried next run.
func (s *Sweeper) OrphanFiles(ctx context.Context) Result {
	res := Result{Errors: []string{}}
	files, err := s.store.ListOrphanFiles(ctx, s.opts.BatchSize)
	if err != nil {
		res.fail(PassOrphanFiles, fmt.Sprintf("list orphan files: %v", err))
		return res
	}

	for _, f := range files {
		res.Processed++
		present := false
		if f.StorageKey != "" {
			ok, err := s.objects.Exists(ctx, f.StorageKey)
			if err != nil {
				s.markDeleteFailed(ctx, f.JobID, err)
				res.fail(PassOrphanFiles, fmt.Sprintf("job %s: %v", f.JobID, err))
				continue
			}
			present = ok
		}
		if !present {
			if err := s.store.SetCleanupState(ctx, f.JobID, models.CleanupNoFile, nil); err != nil {
				res.fail(PassOrphanFiles, fmt.Sprintf("job %s: %v", f.JobID, err))
				continue
			}
			res.clean(PassOrphanFiles)
			continue
		}

		if err := s.objects.Delete(ctx, f.StorageKey); err != nil {
			s.markDeleteFailed(ctx, f.JobID, err)
			res.fail(PassOrphanFiles, fmt.Sprintf("job %s: %v", f.JobID, err))
			continue
		}
		if err := s.store.SetCleanupState(ctx, f.JobID, models.CleanupCleaned, nil); err != nil {
			res.fail(PassOrphanFiles, fmt.Sprintf("job %s: %v", f.JobID, err))
			continue
		}
		res.clean(PassOrphanFiles)
	}
	return res
}

func (s *Sweeper) markDeleteFailed(ctx context.Context, jobID uuid.UUID, cause error) {
	detail := cause.Error()
	if err := s.store.SetCleanupState(ctx, jobID, models.CleanupDeleteFailed, &detail); err != nil {
		s.log.Error("failed to record cleanup failure", "job_id", jobID, "error", err)
	}
}

// PurgeDeleted hard-deletes candidates past the retention window after
// removing their files. A storage failure keeps the row for the next run.
func (s *Sweeper) PurgeDeleted(ctx context.Context) Result {
	res := Result{Errors: []string{}}
	cutoff := s.now().Add(-s.opts.Retention)
	candidates, err := s.store.ListExpiredCandidates(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		res.fail(PassOldRecords, fmt.Sprintf("list expired candidates: %v", err))
		return res
	}

	for _, c := range candidates {
		res.Processed++
		if err := s.deleteObjects(ctx, c.StorageKeys); err != nil {
			res.fail(PassOldRecords, fmt.Sprintf("candidate %s: %v", c.ID, err))
			continue
		}
		deleted, err := s.store.DeleteCandidate(ctx, c.ID, cutoff)
		if err != nil {
			res.fail(PassOldRecords, fmt.Sprintf("candidate %s: %v", c.ID, err))
			continue
		}
		if deleted {
			res.clean(PassOldRecords)
		}
	}
	return res
}

func (s *Sweeper) deleteObjects(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.objects.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseStale returns credits held by reservations that will never settle:
// the job failed without a release, or it never left the queue.
func (s *Sweeper) ReleaseStale(ctx context.Context) Result {
	res := Result{Errors: []string{}}
	staleBefore := s.now().Add(-s.opts.StaleReservation)
	stale, err := s.store.ListStaleReservations(ctx, staleBefore, s.opts.BatchSize)
	if err != nil {
		res.fail(PassStaleReservations, fmt.Sprintf("list stale reservations: %v", err))
		return res
	}

	for _, r := range stale {
		res.Processed++
		if r.JobStatus == models.JobStatusQueued {
			failed, err := s.store.FailQueuedJob(ctx, r.JobID, "dispatch timed out")
			if err != nil {
				res.fail(PassStaleReservations, fmt.Sprintf("job %s: %v", r.JobID, err))
				continue
			}
			if !failed {
				// Picked up since the listing; leave it to the dispatcher.
				continue
			}
		}
		released, err := s.ledger.Release(ctx, r.UserID, r.JobID, "stale reservation released by cleanup")
		if err != nil {
			res.fail(PassStaleReservations, fmt.Sprintf("job %s: %v", r.JobID, err))
			continue
		}
		if released {
			res.clean(PassStaleReservations)
		}
	}
	return res
}
