package models

import (
	"time"

	"github.com/google/uuid"
)

// Candidate states.
const (
	CandidateStatusProcessing = "processing"
	CandidateStatusCompleted  = "completed"
	CandidateStatusFailed     = "failed"
	CandidateStatusRefunded   = "refunded"
)

// QuickExtracted holds the fields pulled from a resume in the first analysis pass.
type QuickExtracted struct {
	Name        string `json:"name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	LastCompany string `json:"last_company,omitempty"`
}

type Candidate struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Status          string          `json:"status"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	QuickExtracted  *QuickExtracted `json:"quick_extracted,omitempty"`
	RequiresReview  bool            `json:"requires_review"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
