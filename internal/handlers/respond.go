package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/auth"
	"github.com/hirelens/backend/internal/incident"
	"github.com/hirelens/backend/internal/jobs"
	"github.com/hirelens/backend/internal/ledger"
	"github.com/hirelens/backend/internal/services"
	"github.com/hirelens/backend/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps a service error onto its HTTP status. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeMessage(w, http.StatusPaymentRequired, "insufficient credits: upgrade your plan or buy additional credits")
	case errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrNotOwner):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, jobs.ErrNotRetryable), errors.Is(err, jobs.ErrNotCancellable),
		errors.Is(err, incident.ErrAlreadyResolved), errors.Is(err, ledger.ErrAlreadyCharged):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeMessage(w, http.StatusConflict, "conflicting request, retry")
	case errors.Is(err, jobs.ErrTooManyUploads):
		writeMessage(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, errBadJSON), errors.Is(err, incident.ErrInvalidLevel), errors.Is(err, incident.ErrInvalidRate):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrValidation):
		writeMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &verrs):
		writeMessage(w, http.StatusBadRequest, describe(verrs))
	case errors.Is(err, store.ErrUnavailable):
		log.Warn(op+" unavailable", "error", err)
		w.Header().Set("Retry-After", "1")
		writeMessage(w, http.StatusServiceUnavailable, "temporarily unavailable, retry")
	default:
		log.Error(op, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// decodeJSON decodes and validates a request DTO.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errBadJSON
	}
	return validate.Struct(dst)
}

var errBadJSON = errors.New("invalid JSON")

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
