// Package refund decides and applies automatic quality refunds for analyses
// whose output is too unreliable to have been worth a credit.
package refund

import (
	"math"
	"strings"

	"github.com/hirelens/backend/internal/config"
	"github.com/hirelens/backend/internal/models"
)

// Verdict reasons.
const (
	ReasonThreeWayDisagree = "three_way_disagree"
	ReasonMissingFields    = "missing_fields"
	ReasonQualityOK        = "quality_ok"
)

// Critical fields checked for completeness.
const (
	FieldName        = "name"
	FieldContact     = "contact"
	FieldLastCompany = "last_company"
)

// Thresholds configure Evaluate. Comparisons against both confidence
// thresholds are strict: a score exactly at the threshold is not eligible.
type Thresholds struct {
	Confidence            float64
	ThreeWayDisagree      float64
	RequiredMissingFields int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Confidence: 0.3, ThreeWayDisagree: 0.5, RequiredMissingFields: 2}
}

// ThresholdsFromConfig reads the configured thresholds.
func ThresholdsFromConfig(c config.Refund) Thresholds {
	return Thresholds{
		Confidence:            c.ConfidenceThreshold,
		ThreeWayDisagree:      c.ThreeWayDisagreeThreshold,
		RequiredMissingFields: c.RequiredMissingFields,
	}
}

type Verdict struct {
	Eligible      bool     `json:"eligible"`
	Reason        string   `json:"reason"`
	Confidence    float64  `json:"confidence"`
	MissingFields []string `json:"missing_fields"`
}

// Evaluate is pure. A nil or NaN confidence counts as 0.
func (t Thresholds) Evaluate(confidence *float64, quick *models.QuickExtracted, analysisMode string) Verdict {
	score := 0.0
	if confidence != nil && !math.IsNaN(*confidence) {
		score = *confidence
	}
	missing := MissingFields(quick)

	if analysisMode == models.AnalysisModePhase2 && score < t.ThreeWayDisagree {
		return Verdict{Eligible: true, Reason: ReasonThreeWayDisagree, Confidence: score, MissingFields: missing}
	}
	if score >= t.Confidence {
		return Verdict{Reason: ReasonQualityOK, Confidence: score, MissingFields: []string{}}
	}
	if len(missing) >= t.RequiredMissingFields {
		return Verdict{Eligible: true, Reason: ReasonMissingFields, Confidence: score, MissingFields: missing}
	}
	return Verdict{Reason: ReasonQualityOK, Confidence: score, MissingFields: missing}
}

// MissingFields lists the critical fields that are empty or whitespace-only.
// Contact counts as present when either phone or email is.
func MissingFields(q *models.QuickExtracted) []string {
	if q == nil {
		return []string{FieldName, FieldContact, FieldLastCompany}
	}
	missing := []string{}
	if blank(q.Name) {
		missing = append(missing, FieldName)
	}
	if blank(q.Phone) && blank(q.Email) {
		missing = append(missing, FieldContact)
	}
	if blank(q.LastCompany) {
		missing = append(missing, FieldLastCompany)
	}
	return missing
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
