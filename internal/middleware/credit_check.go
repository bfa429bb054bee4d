package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/auth"
	"github.com/hirelens/backend/internal/models"
)

// AccountReader loads the caller's balance.
type AccountReader interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
}

// CreditCheck blocks uploads with 402 before any reservation is attempted
// when the caller has no credits left. The reservation itself stays the
// authoritative check.
func CreditCheck(accounts AccountReader, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			acc, err := accounts.GetAccount(r.Context(), id.UserID)
			if err != nil {
				log.Error("credit check failed", "user_id", id.UserID, "error", err)
				http.Error(w, `{"error":"failed to check credits"}`, http.StatusInternalServerError)
				return
			}
			if acc.RemainingCredits() <= 0 {
				http.Error(w, `{"error":"insufficient credits: upgrade your plan or buy additional credits"}`, http.StatusPaymentRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
