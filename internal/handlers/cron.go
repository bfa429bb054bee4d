package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hirelens/backend/internal/cleanup"
)

// Sweeper runs one retention and cleanup sweep.
type Sweeper interface {
	Run(ctx context.Context) *cleanup.Report
}

// CronHandler serves scheduler-triggered maintenance routes.
type CronHandler struct {
	Sweeper Sweeper
	Logger  *slog.Logger
}

// Cleanup handles POST /v1/cron/cleanup. Pass failures are reported in the
// body; the status is 200 either way so the scheduler does not retry a
// sweep that already made partial progress.
func (h *CronHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report := h.Sweeper.Run(r.Context())
	if !report.Success() {
		h.Logger.Warn("cleanup sweep finished with failures",
			"orphan_failed", report.OrphanFiles.Failed,
			"records_failed", report.OldRecords.Failed,
			"reservations_failed", report.StaleReservations.Failed)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": report.Success(), "report": report})
}
