package models

import (
	"time"

	"github.com/google/uuid"
)

// Processing job states.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusRefunded   = "refunded"
)

// Analysis modes: phase_1 is a 2-way cross-check, phase_2 a 3-way cross-check.
const (
	AnalysisModePhase1 = "phase_1"
	AnalysisModePhase2 = "phase_2"
)

// Cleanup state of a job's backing storage object.
const (
	CleanupPending      = "pending"
	CleanupCleaned      = "cleaned"
	CleanupNoFile       = "no_file"
	CleanupDeleteFailed = "delete_failed"
)

type ProcessingJob struct {
	ID                  uuid.UUID  `json:"id"`
	UserID              uuid.UUID  `json:"user_id"`
	CandidateID         uuid.UUID  `json:"candidate_id"`
	Status              string     `json:"status"`
	AnalysisMode        string     `json:"analysis_mode"`
	Plan                string     `json:"plan"`
	FileName            string     `json:"file_name"`
	FileType            string     `json:"file_type"`
	FileSize            int64      `json:"file_size"`
	StorageKey          string     `json:"storage_key,omitempty"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	CleanupState        string     `json:"cleanup_state"`
	CleanupError        *string    `json:"cleanup_error,omitempty"`
	IsRetry             bool       `json:"is_retry"`
	SkipCreditDeduction bool       `json:"skip_credit_deduction"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}
