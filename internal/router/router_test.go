package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/auth"
	"github.com/hirelens/backend/internal/cleanup"
	"github.com/hirelens/backend/internal/handlers"
	"github.com/hirelens/backend/internal/jobs"
	"github.com/hirelens/backend/internal/ledger"
	"github.com/hirelens/backend/internal/middleware"
	"github.com/hirelens/backend/internal/models"
)

type stubTokens map[string]auth.Identity

func (s stubTokens) ValidateToken(_ context.Context, token string) (auth.Identity, error) {
	id, ok := s[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type stubLedger struct{ remaining int }

func (s stubLedger) GetAccount(context.Context, uuid.UUID) (*models.Account, error) {
	return &models.Account{Plan: models.PlanStarter, PlanBaseCredits: s.remaining}, nil
}

func (stubLedger) ListTransactions(context.Context, uuid.UUID, string, int) ([]*models.CreditTransaction, error) {
	return nil, nil
}

func (stubLedger) CompensationsForUser(context.Context, uuid.UUID, int) ([]*models.IncidentCompensation, error) {
	return nil, nil
}

type stubSweeper struct{ runs int }

func (s *stubSweeper) Run(context.Context) *cleanup.Report {
	s.runs++
	return &cleanup.Report{}
}

// stubRetries answers Retry only; the other jobs.Service methods are unused here.
type stubRetries struct {
	jobs.Service
	calls int
	err   error
}

func (s *stubRetries) Retry(_ context.Context, userID, candidateID uuid.UUID) (*models.ProcessingJob, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.ProcessingJob{ID: uuid.New(), UserID: userID, CandidateID: candidateID,
		Status: models.JobStatusQueued, IsRetry: true, SkipCreditDeduction: true}, nil
}

func newTestRouter(remaining int) (http.Handler, *stubSweeper) {
	return newTestRouterWithJobs(remaining, nil)
}

func newTestRouterWithJobs(remaining int, js jobs.Service) (http.Handler, *stubSweeper) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := stubLedger{remaining: remaining}
	sweeper := &stubSweeper{}
	return New(Deps{
		Tokens: stubTokens{
			"user-token":  {UserID: uuid.New(), Role: auth.RoleUser},
			"admin-token": {UserID: uuid.New(), Role: auth.RoleAdmin},
		},
		Accounts:     ledger,
		UploadLimit:  middleware.NewRateLimiter(60),
		CronSecret:   "cron-secret",
		WorkerSecret: "worker-secret",
		Uploads:      &handlers.UploadHandler{Jobs: js, Logger: log},
		Callback:     &handlers.CallbackHandler{Logger: log},
		Credits:      &handlers.CreditsHandler{Ledger: ledger, Compensations: ledger, Logger: log},
		Incidents:    &handlers.IncidentHandler{Logger: log},
		Cron:         &handlers.CronHandler{Sweeper: sweeper, Logger: log},
		Logger:       log,
	}), sweeper
}

func do(h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRoutes_Guards(t *testing.T) {
	h, _ := newTestRouter(10)
	tests := []struct {
		name     string
		method   string
		path     string
		bearer   string
		wantCode int
	}{
		{"health is public", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"credits needs a token", http.MethodGet, "/v1/credits", "", http.StatusUnauthorized},
		{"credits with token", http.MethodGet, "/v1/credits", "user-token", http.StatusOK},
		{"bad token", http.MethodGet, "/v1/credits", "forged", http.StatusUnauthorized},
		{"admin route refuses users", http.MethodGet, "/v1/admin/incidents", "user-token", http.StatusForbidden},
		{"cron needs its secret", http.MethodPost, "/v1/cron/cleanup", "user-token", http.StatusUnauthorized},
		{"callback needs worker secret", http.MethodPost, "/v1/jobs/" + uuid.NewString() + "/complete", "", http.StatusUnauthorized},
		{"wrong method", http.MethodPut, "/v1/credits", "user-token", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(h, tt.method, tt.path, tt.bearer)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRoutes_UploadBlockedWithoutCredits(t *testing.T) {
	h, _ := newTestRouter(0)
	rr := do(h, http.MethodPost, "/v1/uploads", "user-token")
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "upgrade your plan") {
		t.Errorf("expected an actionable message, got %s", rr.Body.String())
	}
}

func TestRoutes_CronRunsSweep(t *testing.T) {
	h, sweeper := newTestRouter(10)
	rr := do(h, http.MethodPost, "/v1/cron/cleanup", "cron-secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if sweeper.runs != 1 {
		t.Errorf("expected one sweep, got %d", sweeper.runs)
	}
}

func TestRoutes_RetryOfChargedCandidateIsFreeAtZeroBalance(t *testing.T) {
	js := &stubRetries{}
	h, _ := newTestRouterWithJobs(0, js)

	rr := do(h, http.MethodPost, "/v1/candidates/"+uuid.NewString()+"/retry", "user-token")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if js.calls != 1 {
		t.Fatalf("expected Retry to run once, got %d", js.calls)
	}
	if !strings.Contains(rr.Body.String(), `"skip_credit_deduction":true`) {
		t.Errorf("expected a free retry, got %s", rr.Body.String())
	}
}

func TestRoutes_RetryNeedingReservationStillPays(t *testing.T) {
	js := &stubRetries{err: ledger.ErrInsufficientCredits}
	h, _ := newTestRouterWithJobs(0, js)

	rr := do(h, http.MethodPost, "/v1/candidates/"+uuid.NewString()+"/retry", "user-token")
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rr.Code, rr.Body.String())
	}
	if js.calls != 1 {
		t.Errorf("expected the ledger to decide, Retry calls = %d", js.calls)
	}
}
