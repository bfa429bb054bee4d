package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan tiers.
const (
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

type Account struct {
	ID                   uuid.UUID `json:"id"`
	Email                string    `json:"email"`
	Plan                 string    `json:"plan"`
	PlanBaseCredits      int       `json:"plan_base_credits"`
	AdditionalCredits    int       `json:"additional_credits"`
	CreditsUsedThisMonth int       `json:"credits_used_this_month"`
	BillingCycleStart    time.Time `json:"billing_cycle_start"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RemainingCredits is max(0, plan allowance left) + purchased top-ups.
func (a *Account) RemainingCredits() int {
	planLeft := a.PlanBaseCredits - a.CreditsUsedThisMonth
	if planLeft < 0 {
		planLeft = 0
	}
	additional := a.AdditionalCredits
	if additional < 0 {
		additional = 0
	}
	return planLeft + additional
}
