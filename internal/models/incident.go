package models

import (
	"time"

	"github.com/google/uuid"
)

// Incident severity levels.
const (
	IncidentP1 = "P1"
	IncidentP2 = "P2"
	IncidentP3 = "P3"
)

// Incident states.
const (
	IncidentOngoing  = "ongoing"
	IncidentResolved = "resolved"
)

type IncidentReport struct {
	ID               uuid.UUID  `json:"id"`
	Level            string     `json:"level"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	AffectedServices []string   `json:"affected_services"`
	Status           string     `json:"status"`
	CompensationRate float64    `json:"compensation_rate"`
	StartedAt        time.Time  `json:"started_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	DurationMinutes  *int       `json:"duration_minutes,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type IncidentCompensation struct {
	ID             uuid.UUID  `json:"id"`
	IncidentID     uuid.UUID  `json:"incident_id"`
	UserID         uuid.UUID  `json:"user_id"`
	CreditsGranted int        `json:"credits_granted"`
	PlanAtIncident string     `json:"plan_at_incident"`
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
