// Package compliance derives compliance and risk signals for medications.
// Everything here is pure: the same input always yields the same output.
package compliance

import (
	"github.com/ehr/medtrack/internal/domain/prescription"
)

// LowComplianceThreshold is the compliance percentage below which a
// medication counts as poorly adhered to.
const LowComplianceThreshold = 80.0

// NeedsRefill reports whether the remaining supply is at or below the refill
// threshold. A server-supplied flag takes precedence.
func NeedsRefill(m *prescription.Medication) bool {
	if m.NeedsRefill != nil {
		return *m.NeedsRefill
	}
	return m.RemainingQuantity <= m.RefillThreshold
}

// IsDepleted reports whether nothing is left. A server-supplied flag takes
// precedence.
func IsDepleted(m *prescription.Medication) bool {
	if m.IsDepleted != nil {
		return *m.IsDepleted
	}
	return m.RemainingQuantity <= 0
}

// SuggestReason picks the default follow-up reason for a medication:
// refill first, then high risk, then low compliance. When nothing matches it
// falls back to high_risk.
func SuggestReason(m *prescription.Medication) prescription.Reason {
	switch {
	case NeedsRefill(m):
		return prescription.ReasonRefillNeeded
	case m.RiskLevel == prescription.RiskHigh:
		return prescription.ReasonHighRisk
	case m.ComplianceRate != nil && *m.ComplianceRate < LowComplianceThreshold:
		return prescription.ReasonLowCompliance
	default:
		// TODO: revisit once product decides what a healthy medication's
		// default follow-up reason should be.
		return prescription.ReasonHighRisk
	}
}

// Grade is the visual severity of an indicator.
type Grade string

const (
	GradeSuccess Grade = "success"
	GradeWarning Grade = "warning"
	GradeDanger  Grade = "danger"
)

// ComplianceGrade grades a compliance percentage.
func ComplianceGrade(rate float64) Grade {
	switch {
	case rate >= 80:
		return GradeSuccess
	case rate >= 60:
		return GradeWarning
	default:
		return GradeDanger
	}
}

// QuantityGrade grades the remaining supply against the refill threshold.
func QuantityGrade(remaining, threshold int) Grade {
	switch {
	case remaining <= 0:
		return GradeDanger
	case remaining <= threshold:
		return GradeWarning
	default:
		return GradeSuccess
	}
}

// RiskBadge grades a risk level.
func RiskBadge(level prescription.RiskLevel) Grade {
	switch level {
	case prescription.RiskHigh:
		return GradeDanger
	case prescription.RiskMedium:
		return GradeWarning
	default:
		return GradeSuccess
	}
}

// QuantityPercent is remaining/total as a 0-100 percentage.
func QuantityPercent(remaining, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(remaining) / float64(total) * 100
	return clamp(p, 0, 100)
}

// AtRisk reports whether a medication belongs on the at-risk list.
func AtRisk(m *prescription.Medication) bool {
	return m.RiskLevel == prescription.RiskHigh || m.RiskLevel == prescription.RiskMedium || NeedsRefill(m)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
