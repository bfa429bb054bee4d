package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/auth"
	"github.com/hirelens/backend/internal/cleanup"
	"github.com/hirelens/backend/internal/incident"
	"github.com/hirelens/backend/internal/jobs"
	"github.com/hirelens/backend/internal/ledger"
	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/refund"
	"github.com/hirelens/backend/internal/services"
	"github.com/hirelens/backend/internal/store"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- jobs.Service mock ---

type mockJobs struct {
	mu        sync.Mutex
	submitted []jobs.SubmitRequest
	err       error
	failed    map[uuid.UUID]string
}

func newMockJobs() *mockJobs { return &mockJobs{failed: make(map[uuid.UUID]string)} }

func (m *mockJobs) Submit(_ context.Context, userID uuid.UUID, req jobs.SubmitRequest) (*models.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.submitted = append(m.submitted, req)
	cid := uuid.New()
	if req.CandidateID != nil {
		cid = *req.CandidateID
	}
	return &models.ProcessingJob{ID: uuid.New(), UserID: userID, CandidateID: cid, Status: models.JobStatusQueued}, nil
}

func (m *mockJobs) Retry(_ context.Context, userID, candidateID uuid.UUID) (*models.ProcessingJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.ProcessingJob{ID: uuid.New(), UserID: userID, CandidateID: candidateID, Status: models.JobStatusQueued, IsRetry: true, SkipCreditDeduction: true}, nil
}

func (m *mockJobs) Cancel(context.Context, uuid.UUID, uuid.UUID) error { return m.err }

func (m *mockJobs) GetJob(_ context.Context, userID, jobID uuid.UUID) (*models.ProcessingJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.ProcessingJob{ID: jobID, UserID: userID, Status: models.JobStatusProcessing}, nil
}

func (m *mockJobs) ListJobs(context.Context, uuid.UUID, int) ([]*models.ProcessingJob, error) {
	return nil, m.err
}

func (m *mockJobs) DeleteCandidate(context.Context, uuid.UUID, uuid.UUID) error { return m.err }

func (m *mockJobs) MarkAnalysisFailed(_ context.Context, jobID, _ uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.failed[jobID] = reason
	return nil
}

// --- RefundProcessor mock ---

type mockRefunds struct {
	mu       sync.Mutex
	outcomes []refund.Outcome
	result   *refund.Result
	err      error
}

func (m *mockRefunds) Process(_ context.Context, _, _ uuid.UUID, o refund.Outcome) (*refund.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// --- CreditReader / CompensationLister mocks ---

type mockCredits struct {
	account *models.Account
	txs     []*models.CreditTransaction
	comps   []*models.IncidentCompensation
	gotType string
}

func (m *mockCredits) GetAccount(context.Context, uuid.UUID) (*models.Account, error) {
	if m.account == nil {
		return nil, fmt.Errorf("get account: %w", store.ErrNotFound)
	}
	return m.account, nil
}

func (m *mockCredits) ListTransactions(_ context.Context, _ uuid.UUID, txType string, _ int) ([]*models.CreditTransaction, error) {
	m.gotType = txType
	return m.txs, nil
}

func (m *mockCredits) CompensationsForUser(context.Context, uuid.UUID, int) ([]*models.IncidentCompensation, error) {
	return m.comps, nil
}

// --- IncidentService mock ---

type mockIncidents struct {
	created  []incident.CreateInput
	resolved map[uuid.UUID]bool
}

func newMockIncidents() *mockIncidents { return &mockIncidents{resolved: make(map[uuid.UUID]bool)} }

func (m *mockIncidents) Create(_ context.Context, in incident.CreateInput) (*models.IncidentReport, error) {
	m.created = append(m.created, in)
	return &models.IncidentReport{ID: uuid.New(), Level: in.Level, Title: in.Title, Status: models.IncidentOngoing}, nil
}

func (m *mockIncidents) List(context.Context, string) ([]*models.IncidentReport, error) {
	return nil, nil
}

func (m *mockIncidents) Get(_ context.Context, id uuid.UUID) (*incident.Detail, error) {
	return nil, fmt.Errorf("get incident: %w", store.ErrNotFound)
}

func (m *mockIncidents) Update(_ context.Context, id uuid.UUID, _ incident.UpdateInput) (*models.IncidentReport, error) {
	return &models.IncidentReport{ID: id}, nil
}

func (m *mockIncidents) Resolve(_ context.Context, id uuid.UUID, _ string) (*models.IncidentReport, error) {
	if m.resolved[id] {
		return nil, incident.ErrAlreadyResolved
	}
	m.resolved[id] = true
	return &models.IncidentReport{ID: id, Status: models.IncidentResolved}, nil
}

func (m *mockIncidents) Compensate(context.Context, uuid.UUID) (*incident.CompensationResult, error) {
	return &incident.CompensationResult{SkippedCount: 3, Idempotent: true}, nil
}

// --- Sweeper stub ---

type stubSweeper struct{ report *cleanup.Report }

func (s stubSweeper) Run(context.Context) *cleanup.Report { return s.report }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var testUser = auth.Identity{UserID: uuid.MustParse("5f1c9a52-3f0e-4a4e-9f1e-2b8e6b0a7d11"), Role: auth.RoleUser}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRequest(method, path, body string, id *auth.Identity) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *id))
	}
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

const validUpload = `{"file_name":"resume.pdf","file_type":"pdf","file_size":120000,"storage_key":"uploads/u1/resume.pdf","analysis_mode":"phase_1"}`

// ---------------------------------------------------------------------------
// Uploads
// ---------------------------------------------------------------------------

func TestCreateUpload_Accepted(t *testing.T) {
	js := newMockJobs()
	h := &UploadHandler{Jobs: js, Logger: discardLogger()}

	rr := httptest.NewRecorder()
	h.CreateUpload(rr, newRequest(http.MethodPost, "/v1/uploads", validUpload, &testUser))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(js.submitted) != 1 || js.submitted[0].StorageKey != "uploads/u1/resume.pdf" {
		t.Fatalf("unexpected submissions: %+v", js.submitted)
	}
	if got := decodeBody(t, rr)["status"]; got != models.JobStatusQueued {
		t.Errorf("expected status queued, got %v", got)
	}
}

func TestCreateUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		id       *auth.Identity
		svcErr   error
		wantCode int
	}{
		{"unauthenticated", validUpload, nil, nil, http.StatusUnauthorized},
		{"malformed json", `{"file_name":`, &testUser, nil, http.StatusBadRequest},
		{"missing storage key", `{"file_name":"a.pdf","file_type":"pdf","file_size":10}`, &testUser, nil, http.StatusBadRequest},
		{"unsupported type", `{"file_name":"a.exe","file_type":"exe","file_size":10,"storage_key":"k"}`, &testUser, nil, http.StatusBadRequest},
		{"insufficient credits", validUpload, &testUser, fmt.Errorf("reserve: %w", ledger.ErrInsufficientCredits), http.StatusPaymentRequired},
		{"too many uploads", validUpload, &testUser, jobs.ErrTooManyUploads, http.StatusTooManyRequests},
		{"store unavailable", validUpload, &testUser, fmt.Errorf("begin: %w", store.ErrUnavailable), http.StatusServiceUnavailable},
		{"duplicate write", validUpload, &testUser, fmt.Errorf("create job: %w", store.ErrConflict), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := newMockJobs()
			js.err = tt.svcErr
			h := &UploadHandler{Jobs: js, Logger: discardLogger()}

			rr := httptest.NewRecorder()
			h.CreateUpload(rr, newRequest(http.MethodPost, "/v1/uploads", tt.body, tt.id))
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRetryCandidate_ErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
	}{
		{nil, http.StatusAccepted},
		{jobs.ErrNotOwner, http.StatusForbidden},
		{jobs.ErrNotRetryable, http.StatusConflict},
		{fmt.Errorf("get candidate: %w", store.ErrNotFound), http.StatusNotFound},
	}
	for _, tt := range tests {
		js := newMockJobs()
		js.err = tt.err
		h := &UploadHandler{Jobs: js, Logger: discardLogger()}

		req := newRequest(http.MethodPost, "/v1/candidates/x/retry", "", &testUser)
		req.SetPathValue("id", uuid.NewString())
		rr := httptest.NewRecorder()
		h.RetryCandidate(rr, req)
		if rr.Code != tt.wantCode {
			t.Errorf("err=%v: expected %d, got %d", tt.err, tt.wantCode, rr.Code)
		}
	}
}

func TestRetryCandidate_InvalidID(t *testing.T) {
	h := &UploadHandler{Jobs: newMockJobs(), Logger: discardLogger()}
	req := newRequest(http.MethodPost, "/v1/candidates/nope/retry", "", &testUser)
	req.SetPathValue("id", "nope")
	rr := httptest.NewRecorder()
	h.RetryCandidate(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCancelUpload_NotCancellable(t *testing.T) {
	js := newMockJobs()
	js.err = jobs.ErrNotCancellable
	h := &UploadHandler{Jobs: js, Logger: discardLogger()}

	req := newRequest(http.MethodDelete, "/v1/uploads/x", "", &testUser)
	req.SetPathValue("jobId", uuid.NewString())
	rr := httptest.NewRecorder()
	h.CancelUpload(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	h := &UploadHandler{Jobs: newMockJobs(), Logger: discardLogger()}
	rr := httptest.NewRecorder()
	h.ListJobs(rr, newRequest(http.MethodGet, "/v1/jobs", "", &testUser))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected 200 [], got %d %s", rr.Code, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Completion callback
// ---------------------------------------------------------------------------

func newCallbackHandler(t *testing.T, refunds *mockRefunds, js *mockJobs) *CallbackHandler {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return &CallbackHandler{Refunds: refunds, Jobs: js, Validator: v, Logger: discardLogger()}
}

func callbackRequest(jobID uuid.UUID, body string) *http.Request {
	req := newRequest(http.MethodPost, "/v1/jobs/"+jobID.String()+"/complete", body, nil)
	req.SetPathValue("id", jobID.String())
	return req
}

func TestComplete_CompletedRunsRefundPipeline(t *testing.T) {
	refunds := &mockRefunds{result: &refund.Result{Action: refund.ActionRefunded}}
	h := newCallbackHandler(t, refunds, newMockJobs())

	body := fmt.Sprintf(`{"candidate_id":%q,"status":"completed","confidence":0.2,"analysis_mode":"phase_1","quick_extracted":{"name":"Kim","email":null}}`, uuid.NewString())
	rr := httptest.NewRecorder()
	h.Complete(rr, callbackRequest(uuid.New(), body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(refunds.outcomes) != 1 {
		t.Fatalf("expected one Process call, got %d", len(refunds.outcomes))
	}
	o := refunds.outcomes[0]
	if o.Confidence == nil || *o.Confidence != 0.2 || o.QuickExtracted.Name != "Kim" || o.AnalysisMode != "phase_1" {
		t.Errorf("outcome not passed through: %+v", o)
	}
	if got := decodeBody(t, rr)["action"]; got != refund.ActionRefunded {
		t.Errorf("expected action refunded, got %v", got)
	}
}

func TestComplete_ReplayIsIdempotentSuccess(t *testing.T) {
	refunds := &mockRefunds{result: &refund.Result{Action: refund.ActionRefunded, Idempotent: true}}
	h := newCallbackHandler(t, refunds, newMockJobs())

	body := fmt.Sprintf(`{"candidate_id":%q,"status":"completed","confidence":0.1}`, uuid.NewString())
	rr := httptest.NewRecorder()
	h.Complete(rr, callbackRequest(uuid.New(), body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeBody(t, rr)["idempotent"]; got != true {
		t.Errorf("expected idempotent=true, got %v", got)
	}
}

func TestComplete_FailedMarksAnalysisFailed(t *testing.T) {
	js := newMockJobs()
	refunds := &mockRefunds{}
	h := newCallbackHandler(t, refunds, js)

	jobID := uuid.New()
	body := fmt.Sprintf(`{"candidate_id":%q,"status":"failed","error":"parser crashed"}`, uuid.NewString())
	rr := httptest.NewRecorder()
	h.Complete(rr, callbackRequest(jobID, body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if js.failed[jobID] != "parser crashed" {
		t.Errorf("expected failure reason recorded, got %q", js.failed[jobID])
	}
	if len(refunds.outcomes) != 0 {
		t.Error("refund pipeline must not run for failed analyses")
	}
}

func TestComplete_Rejections(t *testing.T) {
	cid := uuid.NewString()
	tests := []struct {
		name     string
		body     string
		procErr  error
		wantCode int
	}{
		{"not json", `not json`, nil, http.StatusUnprocessableEntity},
		{"missing candidate", `{"status":"completed"}`, nil, http.StatusUnprocessableEntity},
		{"bad status", fmt.Sprintf(`{"candidate_id":%q,"status":"done"}`, cid), nil, http.StatusUnprocessableEntity},
		{"confidence out of range", fmt.Sprintf(`{"candidate_id":%q,"status":"completed","confidence":1.5}`, cid), nil, http.StatusUnprocessableEntity},
		{"job belongs to another candidate", fmt.Sprintf(`{"candidate_id":%q,"status":"completed"}`, cid), fmt.Errorf("%w: mismatch", store.ErrNotFound), http.StatusNotFound},
		{"ledger unavailable", fmt.Sprintf(`{"candidate_id":%q,"status":"completed"}`, cid), fmt.Errorf("refund: %w", store.ErrUnavailable), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCallbackHandler(t, &mockRefunds{err: tt.procErr}, newMockJobs())
			rr := httptest.NewRecorder()
			h.Complete(rr, callbackRequest(uuid.New(), tt.body))
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Credits
// ---------------------------------------------------------------------------

func TestGetBalance(t *testing.T) {
	credits := &mockCredits{account: &models.Account{Plan: models.PlanPro, PlanBaseCredits: 150, CreditsUsedThisMonth: 160, AdditionalCredits: 7}}
	h := &CreditsHandler{Ledger: credits, Compensations: credits, Logger: discardLogger()}

	rr := httptest.NewRecorder()
	h.GetBalance(rr, newRequest(http.MethodGet, "/v1/credits", "", &testUser))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["remaining_credits"] != float64(7) {
		t.Errorf("expected remaining 7 (plan exhausted, 7 top-ups), got %v", body["remaining_credits"])
	}
	if body["plan"] != models.PlanPro {
		t.Errorf("expected plan pro, got %v", body["plan"])
	}
}

func TestListTransactions_TypeFilter(t *testing.T) {
	credits := &mockCredits{}
	h := &CreditsHandler{Ledger: credits, Compensations: credits, Logger: discardLogger()}

	rr := httptest.NewRecorder()
	h.ListTransactions(rr, newRequest(http.MethodGet, "/v1/credits/transactions?type=refund", "", &testUser))
	if rr.Code != http.StatusOK || credits.gotType != models.CreditTxRefund {
		t.Fatalf("expected 200 with refund filter, got %d type=%q", rr.Code, credits.gotType)
	}

	rr = httptest.NewRecorder()
	h.ListTransactions(rr, newRequest(http.MethodGet, "/v1/credits/transactions?type=bogus", "", &testUser))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rr.Code)
	}
}

func TestRefundHistory_MergesNewestFirst(t *testing.T) {
	now := time.Now()
	cid := uuid.New()
	credits := &mockCredits{
		txs: []*models.CreditTransaction{
			{Type: models.CreditTxRefund, Amount: 1, CandidateID: &cid, Description: "quality_refund_" + cid.String(), CreatedAt: now.Add(-2 * time.Hour)},
		},
		comps: []*models.IncidentCompensation{
			{IncidentID: uuid.New(), CreditsGranted: 8, PlanAtIncident: models.PlanPro, CreatedAt: now.Add(-time.Hour)},
		},
	}
	h := &CreditsHandler{Ledger: credits, Compensations: credits, Logger: discardLogger()}

	rr := httptest.NewRecorder()
	h.RefundHistory(rr, newRequest(http.MethodGet, "/v1/refunds/history", "", &testUser))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		History      []historyEntry `json:"history"`
		TotalCredits int            `json:"total_credits"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.History) != 2 || body.History[0].Kind != "incident_compensation" || body.History[1].Kind != "quality_refund" {
		t.Fatalf("unexpected history order: %+v", body.History)
	}
	if body.TotalCredits != 9 {
		t.Errorf("expected total 9, got %d", body.TotalCredits)
	}
	if credits.gotType != models.CreditTxRefund {
		t.Errorf("expected refund filter, got %q", credits.gotType)
	}
}

// ---------------------------------------------------------------------------
// Incidents
// ---------------------------------------------------------------------------

func TestCreateIncident(t *testing.T) {
	admin := auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin}
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", `{"level":"P1","title":"Analysis outage","affected_services":["analysis"]}`, http.StatusCreated},
		{"bad level", `{"level":"P4","title":"Analysis outage"}`, http.StatusBadRequest},
		{"short title", `{"level":"P2","title":"x"}`, http.StatusBadRequest},
		{"rate above one", `{"level":"P2","title":"Slow parser","compensation_rate":1.5}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc := newMockIncidents()
			h := &IncidentHandler{Incidents: inc, Logger: discardLogger()}
			rr := httptest.NewRecorder()
			h.CreateIncident(rr, newRequest(http.MethodPost, "/v1/admin/incidents", tt.body, &admin))
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if tt.wantCode == http.StatusCreated && inc.created[0].CreatedBy != admin.UserID.String() {
				t.Errorf("expected created_by %s, got %s", admin.UserID, inc.created[0].CreatedBy)
			}
		})
	}
}

func TestResolveIncident_Twice(t *testing.T) {
	admin := auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin}
	h := &IncidentHandler{Incidents: newMockIncidents(), Logger: discardLogger()}
	id := uuid.NewString()

	for i, want := range []int{http.StatusOK, http.StatusConflict} {
		req := newRequest(http.MethodPost, "/v1/admin/incidents/x/resolve", "", &admin)
		req.SetPathValue("id", id)
		rr := httptest.NewRecorder()
		h.ResolveIncident(rr, req)
		if rr.Code != want {
			t.Fatalf("call %d: expected %d, got %d", i+1, want, rr.Code)
		}
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	h := &IncidentHandler{Incidents: newMockIncidents(), Logger: discardLogger()}
	req := newRequest(http.MethodGet, "/v1/admin/incidents/x", "", nil)
	req.SetPathValue("id", uuid.NewString())
	rr := httptest.NewRecorder()
	h.GetIncident(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCompensateIncident_IdempotentRerunIs200(t *testing.T) {
	h := &IncidentHandler{Incidents: newMockIncidents(), Logger: discardLogger()}
	req := newRequest(http.MethodPost, "/v1/admin/incidents/x/compensate", "", nil)
	req.SetPathValue("id", uuid.NewString())
	rr := httptest.NewRecorder()
	h.CompensateIncident(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["idempotent"] != true || body["skippedCount"] != float64(3) {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestListIncidents_BadStatus(t *testing.T) {
	h := &IncidentHandler{Incidents: newMockIncidents(), Logger: discardLogger()}
	rr := httptest.NewRecorder()
	h.ListIncidents(rr, newRequest(http.MethodGet, "/v1/admin/incidents?status=closed", "", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Cron
// ---------------------------------------------------------------------------

func TestCronCleanup_ReportsFailuresWith200(t *testing.T) {
	report := &cleanup.Report{Timestamp: time.Now()}
	report.OrphanFiles.Processed, report.OrphanFiles.Failed = 2, 1
	report.OrphanFiles.Errors = []string{"job x: access denied"}
	h := &CronHandler{Sweeper: stubSweeper{report: report}, Logger: discardLogger()}

	rr := httptest.NewRecorder()
	h.Cleanup(rr, newRequest(http.MethodPost, "/v1/cron/cleanup", "", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body["success"])
	}
	orphan := body["report"].(map[string]any)["orphanFiles"].(map[string]any)
	if orphan["failed"] != float64(1) {
		t.Errorf("expected orphanFiles.failed=1, got %v", orphan["failed"])
	}
}
