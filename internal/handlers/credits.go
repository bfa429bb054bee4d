package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/models"
)

// CreditReader is the read side of the ledger.
type CreditReader interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, txType string, limit int) ([]*models.CreditTransaction, error)
}

// CompensationLister lists the incident compensations a user received.
type CompensationLister interface {
	CompensationsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.IncidentCompensation, error)
}

// CreditsHandler serves balance, ledger history and refund history.
type CreditsHandler struct {
	Ledger        CreditReader
	Compensations CompensationLister
	Logger        *slog.Logger
}

type balanceResponse struct {
	Plan                 string `json:"plan"`
	PlanBaseCredits      int    `json:"plan_base_credits"`
	AdditionalCredits    int    `json:"additional_credits"`
	CreditsUsedThisMonth int    `json:"credits_used_this_month"`
	RemainingCredits     int    `json:"remaining_credits"`
}

// GetBalance handles GET /v1/credits.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	acc, err := h.Ledger.GetAccount(r.Context(), id.UserID)
	if err != nil {
		writeError(w, h.Logger, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Plan:                 acc.Plan,
		PlanBaseCredits:      acc.PlanBaseCredits,
		AdditionalCredits:    acc.AdditionalCredits,
		CreditsUsedThisMonth: acc.CreditsUsedThisMonth,
		RemainingCredits:     acc.RemainingCredits(),
	})
}

var transactionTypes = map[string]bool{
	"":                     true,
	models.CreditTxReserve: true,
	models.CreditTxUsage:   true,
	models.CreditTxRelease: true,
	models.CreditTxRefund:  true,
	models.CreditTxGrant:   true,
}

// ListTransactions handles GET /v1/credits/transactions?type=&limit=.
func (h *CreditsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	txType := r.URL.Query().Get("type")
	if !transactionTypes[txType] {
		writeMessage(w, http.StatusBadRequest, "unknown transaction type")
		return
	}
	list, err := h.Ledger.ListTransactions(r.Context(), id.UserID, txType, queryLimit(r, 50, 200))
	if err != nil {
		writeError(w, h.Logger, "list transactions", err)
		return
	}
	if list == nil {
		list = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

type historyEntry struct {
	Kind        string     `json:"kind"`
	Credits     int        `json:"credits"`
	Description string     `json:"description"`
	CandidateID *uuid.UUID `json:"candidate_id,omitempty"`
	IncidentID  *uuid.UUID `json:"incident_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

const refundHistoryLimit = 20

// RefundHistory handles GET /v1/refunds/history: quality refunds and
// incident compensations, newest first.
func (h *CreditsHandler) RefundHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	refunds, err := h.Ledger.ListTransactions(r.Context(), id.UserID, models.CreditTxRefund, refundHistoryLimit)
	if err != nil {
		writeError(w, h.Logger, "list refunds", err)
		return
	}
	comps, err := h.Compensations.CompensationsForUser(r.Context(), id.UserID, refundHistoryLimit)
	if err != nil {
		writeError(w, h.Logger, "list compensations", err)
		return
	}

	entries := make([]historyEntry, 0, len(refunds)+len(comps))
	for _, t := range refunds {
		entries = append(entries, historyEntry{
			Kind:        "quality_refund",
			Credits:     t.Amount,
			Description: t.Description,
			CandidateID: t.CandidateID,
			CreatedAt:   t.CreatedAt,
		})
	}
	for _, c := range comps {
		incidentID := c.IncidentID
		entries = append(entries, historyEntry{
			Kind:        "incident_compensation",
			Credits:     c.CreditsGranted,
			Description: "incident compensation (" + c.PlanAtIncident + " plan)",
			IncidentID:  &incidentID,
			CreatedAt:   c.CreatedAt,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })

	total := 0
	for _, e := range entries {
		total += e.Credits
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries, "total_credits": total})
}
