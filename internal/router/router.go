package router

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hirelens/backend/internal/handlers"
	"github.com/hirelens/backend/internal/middleware"
)

// Deps is everything the HTTP surface is built from.
type Deps struct {
	Tokens       middleware.TokenValidator
	Accounts     middleware.AccountReader
	UploadLimit  *middleware.RateLimiter
	CronSecret   string
	WorkerSecret string

	Uploads   *handlers.UploadHandler
	Callback  *handlers.CallbackHandler
	Credits   *handlers.CreditsHandler
	Incidents *handlers.IncidentHandler
	Cron      *handlers.CronHandler
	Logger    *slog.Logger
}

// New returns the API mux.
//
//	user routes:   Authenticate -> handler
//	uploads:       Authenticate -> RateLimit -> CreditCheck -> handler
//	retry:         Authenticate -> RateLimit -> handler (Reserve decides 402)
//	admin routes:  Authenticate -> RequireAdmin -> handler
//	callback:      WorkerAuth -> handler
//	cron:          CronAuth -> handler
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authed := middleware.Authenticate(d.Tokens)
	user := func(h http.HandlerFunc) http.Handler { return authed(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(h)) }
	upload := func(h http.HandlerFunc) http.Handler {
		return authed(d.UploadLimit.Limit(middleware.CreditCheck(d.Accounts, d.Logger)(h)))
	}

	mux.Handle("POST /v1/uploads", upload(d.Uploads.CreateUpload))
	// A retry of an already-charged candidate is free, so the balance gate is skipped.
	mux.Handle("POST /v1/candidates/{id}/retry", authed(d.UploadLimit.Limit(http.HandlerFunc(d.Uploads.RetryCandidate))))
	mux.Handle("DELETE /v1/uploads/{jobId}", user(d.Uploads.CancelUpload))
	mux.Handle("DELETE /v1/candidates/{id}", user(d.Uploads.DeleteCandidate))
	mux.Handle("GET /v1/jobs", user(d.Uploads.ListJobs))
	mux.Handle("GET /v1/jobs/{id}", user(d.Uploads.GetJob))

	mux.Handle("POST /v1/jobs/{id}/complete", middleware.WorkerAuth(d.WorkerSecret)(http.HandlerFunc(d.Callback.Complete)))

	mux.Handle("GET /v1/credits", user(d.Credits.GetBalance))
	mux.Handle("GET /v1/credits/transactions", user(d.Credits.ListTransactions))
	mux.Handle("GET /v1/refunds/history", user(d.Credits.RefundHistory))

	mux.Handle("POST /v1/admin/incidents", admin(d.Incidents.CreateIncident))
	mux.Handle("GET /v1/admin/incidents", admin(d.Incidents.ListIncidents))
	mux.Handle("GET /v1/admin/incidents/{id}", admin(d.Incidents.GetIncident))
	mux.Handle("PATCH /v1/admin/incidents/{id}", admin(d.Incidents.UpdateIncident))
	mux.Handle("POST /v1/admin/incidents/{id}/resolve", admin(d.Incidents.ResolveIncident))
	mux.Handle("POST /v1/admin/incidents/{id}/compensate", admin(d.Incidents.CompensateIncident))

	mux.Handle("POST /v1/cron/cleanup", middleware.CronAuth(d.CronSecret)(http.HandlerFunc(d.Cron.Cleanup)))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}
