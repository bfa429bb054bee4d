package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction types. Amount is the signed effect on the balance.
const (
	CreditTxReserve = "reserve"
	CreditTxUsage   = "usage"
	CreditTxRelease = "release"
	CreditTxRefund  = "refund"
	CreditTxGrant   = "grant"
)

// Balance bucket a debit was taken from; restores go back to the same bucket.
const (
	CreditSourcePlan       = "plan"
	CreditSourceAdditional = "additional"
)

// Reservation states.
const (
	ReservationReserved  = "reserved"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

type CreditTransaction struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Type         string     `json:"type"`
	Amount       int        `json:"amount"`
	CreditSource string     `json:"credit_source,omitempty"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	CandidateID  *uuid.UUID `json:"candidate_id,omitempty"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"created_at"`
}

type CreditReservation struct {
	JobID        uuid.UUID  `json:"job_id"`
	UserID       uuid.UUID  `json:"user_id"`
	CandidateID  *uuid.UUID `json:"candidate_id,omitempty"`
	Amount       int        `json:"amount"`
	CreditSource string     `json:"credit_source"`
	Status       string     `json:"status"`
	ReserveTxID  *uuid.UUID `json:"reserve_tx_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
