package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hirelens/backend/internal/incident"
	"github.com/hirelens/backend/internal/models"
)

// IncidentService is the admin incident workflow.
type IncidentService interface {
	Create(ctx context.Context, in incident.CreateInput) (*models.IncidentReport, error)
	List(ctx context.Context, status string) ([]*models.IncidentReport, error)
	Get(ctx context.Context, id uuid.UUID) (*incident.Detail, error)
	Update(ctx context.Context, id uuid.UUID, in incident.UpdateInput) (*models.IncidentReport, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.IncidentReport, error)
	Compensate(ctx context.Context, id uuid.UUID) (*incident.CompensationResult, error)
}

// IncidentHandler serves /v1/admin/incidents. All routes sit behind RequireAdmin.
type IncidentHandler struct {
	Incidents IncidentService
	Logger    *slog.Logger
}

type createIncidentRequest struct {
	Level            string     `json:"level" validate:"required,oneof=P1 P2 P3"`
	Title            string     `json:"title" validate:"required,min=3,max=200"`
	Description      string     `json:"description" validate:"max=5000"`
	AffectedServices []string   `json:"affected_services" validate:"omitempty,dive,required,max=100"`
	CompensationRate *float64   `json:"compensation_rate" validate:"omitempty,gt=0,lte=1"`
	StartedAt        *time.Time `json:"started_at"`
}

type updateIncidentRequest struct {
	Level            *string   `json:"level" validate:"omitempty,oneof=P1 P2 P3"`
	Title            *string   `json:"title" validate:"omitempty,min=3,max=200"`
	Description      *string   `json:"description" validate:"omitempty,max=5000"`
	AffectedServices *[]string `json:"affected_services" validate:"omitempty,dive,required,max=100"`
	CompensationRate *float64  `json:"compensation_rate" validate:"omitempty,gt=0,lte=1"`
}

// CreateIncident handles POST /v1/admin/incidents.
func (h *IncidentHandler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req createIncidentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, "decode incident", err)
		return
	}
	inc, err := h.Incidents.Create(r.Context(), incident.CreateInput{
		Level:            req.Level,
		Title:            req.Title,
		Description:      req.Description,
		AffectedServices: req.AffectedServices,
		CompensationRate: req.CompensationRate,
		StartedAt:        req.StartedAt,
		CreatedBy:        id.UserID.String(),
	})
	if err != nil {
		writeError(w, h.Logger, "create incident", err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// ListIncidents handles GET /v1/admin/incidents?status=.
func (h *IncidentHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != models.IncidentOngoing && status != models.IncidentResolved {
		writeMessage(w, http.StatusBadRequest, "status must be ongoing or resolved")
		return
	}
	list, err := h.Incidents.List(r.Context(), status)
	if err != nil {
		writeError(w, h.Logger, "list incidents", err)
		return
	}
	if list == nil {
		list = []*models.IncidentReport{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetIncident handles GET /v1/admin/incidents/{id}.
func (h *IncidentHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.Incidents.Get(r.Context(), incidentID)
	if err != nil {
		writeError(w, h.Logger, "get incident", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// UpdateIncident handles PATCH /v1/admin/incidents/{id}.
func (h *IncidentHandler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateIncidentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, "decode incident patch", err)
		return
	}
	inc, err := h.Incidents.Update(r.Context(), incidentID, incident.UpdateInput{
		Title:            req.Title,
		Description:      req.Description,
		Level:            req.Level,
		AffectedServices: req.AffectedServices,
		CompensationRate: req.CompensationRate,
	})
	if err != nil {
		writeError(w, h.Logger, "update incident", err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// ResolveIncident handles POST /v1/admin/incidents/{id}/resolve.
func (h *IncidentHandler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	incidentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	inc, err := h.Incidents.Resolve(r.Context(), incidentID, id.UserID.String())
	if err != nil {
		writeError(w, h.Logger, "resolve incident", err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// CompensateIncident handles POST /v1/admin/incidents/{id}/compensate.
// A run that paid nobody new is still a 200, with idempotent=true.
func (h *IncidentHandler) CompensateIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Incidents.Compensate(r.Context(), incidentID)
	if err != nil {
		writeError(w, h.Logger, "compensate incident", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
