package compliance

import (
	"math"
	"testing"
	"time"

	"github.com/ehr/medtrack/internal/domain/prescription"
)

func boolPtr(b bool) *bool { return &b }
func floatPtr(f float64) *float64 { return &f }

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func TestSuggestReason(t *testing.T) {
	tests := []struct {
		name string
		med  prescription.Medication
		want prescription.Reason
	}{
		{
			name: "needs refill wins over everything",
			med: prescription.Medication{NeedsRefill: boolPtr(true), RiskLevel: prescription.RiskLow,
				ComplianceRate: floatPtr(95), RemainingQuantity: 30, RefillThreshold: 5},
			want: prescription.ReasonRefillNeeded,
		},
		{
			name: "high risk",
			med:  prescription.Medication{NeedsRefill: boolPtr(false), RiskLevel: prescription.RiskHigh},
			want: prescription.ReasonHighRisk,
		},
		{
			name: "low compliance",
			med: prescription.Medication{NeedsRefill: boolPtr(false), RiskLevel: prescription.RiskLow,
				ComplianceRate: floatPtr(70)},
			want: prescription.ReasonLowCompliance,
		},
		{
			name: "fallback is high risk",
			med: prescription.Medication{NeedsRefill: boolPtr(false), RiskLevel: prescription.RiskLow,
				ComplianceRate: floatPtr(95)},
			want: prescription.ReasonHighRisk,
		},
		{
			name: "derived refill when the flag is absent",
			med:  prescription.Medication{RemainingQuantity: 3, RefillThreshold: 5, ComplianceRate: floatPtr(95)},
			want: prescription.ReasonRefillNeeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if got := SuggestReason(&tt.med); got != tt.want {
					t.Fatalf("SuggestReason() = %s, want %s", got, tt.want)
				}
			}
		})
	}
}

func TestRefillScenarios(t *testing.T) {
	m := prescription.Medication{RemainingQuantity: 10, TotalQuantity: 30, RefillThreshold: 5}
	if NeedsRefill(&m) {
		t.Error("10 remaining over a threshold of 5 must not need a refill")
	}

	m.RemainingQuantity = 5
	if !NeedsRefill(&m) {
		t.Error("remaining at the threshold needs a refill")
	}
	if got := SuggestReason(&m); got != prescription.ReasonRefillNeeded {
		t.Errorf("expected refill_needed, got %s", got)
	}
	if IsDepleted(&m) {
		t.Error("5 remaining is not depleted")
	}
	m.RemainingQuantity = 0
	if !IsDepleted(&m) {
		t.Error("0 remaining is depleted")
	}
}

func TestGrades(t *testing.T) {
	for rate, want := range map[float64]Grade{100: GradeSuccess, 80: GradeSuccess, 79.9: GradeWarning, 60: GradeWarning, 59: GradeDanger} {
		if got := ComplianceGrade(rate); got != want {
			t.Errorf("ComplianceGrade(%v) = %s, want %s", rate, got, want)
		}
	}
	if QuantityGrade(0, 5) != GradeDanger || QuantityGrade(5, 5) != GradeWarning || QuantityGrade(6, 5) != GradeSuccess {
		t.Error("unexpected quantity grades")
	}
	if RiskBadge(prescription.RiskHigh) != GradeDanger || RiskBadge(prescription.RiskMedium) != GradeWarning || RiskBadge("") != GradeSuccess {
		t.Error("unexpected risk badges")
	}
	if QuantityPercent(10, 30) < 33.3 || QuantityPercent(10, 30) > 33.4 {
		t.Errorf("unexpected percent %v", QuantityPercent(10, 30))
	}
	if QuantityPercent(5, 0) != 0 {
		t.Error("zero total yields 0 percent")
	}
}

func TestAtRisk(t *testing.T) {
	if AtRisk(&prescription.Medication{RiskLevel: prescription.RiskLow, RemainingQuantity: 20, RefillThreshold: 5}) {
		t.Error("low risk with supply is not at risk")
	}
	if !AtRisk(&prescription.Medication{RiskLevel: prescription.RiskMedium, RemainingQuantity: 20, RefillThreshold: 5}) {
		t.Error("medium risk is at risk")
	}
	if !AtRisk(&prescription.Medication{RiskLevel: prescription.RiskLow, RemainingQuantity: 2, RefillThreshold: 5}) {
		t.Error("needs refill is at risk")
	}
}

func TestExpectedDosesPerDay(t *testing.T) {
	cases := map[string]int{
		"once daily":     1,
		"Twice a day":    2,
		"3 times daily":  3,
		"four times":     4,
		"as needed":      1,
		"":               1,
		"every 12 hours": 1,
	}
	for in, want := range cases {
		if got := ExpectedDosesPerDay(in); got != want {
			t.Errorf("ExpectedDosesPerDay(%q) = %d, want %d", in, got, want)
		}
	}
}

func dailyLogs(n int) []time.Time {
	logs := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		logs = append(logs, now.Add(-time.Duration(i)*24*time.Hour))
	}
	return logs
}

func TestComplianceRate(t *testing.T) {
	in := Input{Frequency: "twice daily", StartDate: now.AddDate(0, 0, -10), Logs: dailyLogs(15)}
	if got := ComplianceRate(in, now); got != 75 {
		t.Errorf("expected 75, got %v", got)
	}

	in = Input{Frequency: "once", StartDate: now.AddDate(0, 0, -3), Logs: dailyLogs(2)}
	if got := ComplianceRate(in, now); got != 66.7 {
		t.Errorf("expected rounding to 66.7, got %v", got)
	}

	in = Input{Frequency: "once", StartDate: now}
	if got := ComplianceRate(in, now); got != 100 {
		t.Errorf("a medication started today is fully compliant, got %v", got)
	}

	in = Input{Frequency: "once", StartDate: now.AddDate(0, 0, -2), Logs: dailyLogs(10)}
	if got := ComplianceRate(in, now); got != 100 {
		t.Errorf("rate is capped at 100, got %v", got)
	}
}

func TestNoncomplianceRisk(t *testing.T) {
	stale := Input{Frequency: "once daily", StartDate: now.AddDate(0, -2, 0), RemainingQuantity: 0, RefillThreshold: 5}
	score := NoncomplianceRisk(stale, now)
	want := 0.4 + 0.3*(15.0/21.0) + 0.2
	if math.Abs(score-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, score)
	}
	if LevelForScore(score) != prescription.RiskHigh {
		t.Errorf("expected high risk, got %s", LevelForScore(score))
	}

	adherent := Input{Frequency: "once daily", StartDate: now.AddDate(0, -2, 0), RemainingQuantity: 30,
		RefillThreshold: 5, Logs: dailyLogs(14)}
	if score := NoncomplianceRisk(adherent, now); score != 0 {
		t.Errorf("expected zero risk for a fully adherent patient, got %v", score)
	}

	overdue := adherent
	overdue.NextDue = now.AddDate(0, 0, -14)
	if score := NoncomplianceRisk(overdue, now); math.Abs(score-0.1) > 1e-9 {
		t.Errorf("expected overdue component only, got %v", score)
	}
}

func TestLevelForScore(t *testing.T) {
	cases := map[float64]prescription.RiskLevel{0: prescription.RiskLow, 0.39: prescription.RiskLow,
		0.4: prescription.RiskMedium, 0.69: prescription.RiskMedium, 0.7: prescription.RiskHigh, 1: prescription.RiskHigh}
	for score, want := range cases {
		if got := LevelForScore(score); got != want {
			t.Errorf("LevelForScore(%v) = %s, want %s", score, got, want)
		}
	}
}

func TestNextFollowUpTime(t *testing.T) {
	cases := map[float64]time.Duration{0.9: 6 * time.Hour, 0.5: 24 * time.Hour, 0.3: 72 * time.Hour, 0.1: 168 * time.Hour}
	for score, want := range cases {
		if got := NextFollowUpTime(score, now).Sub(now); got != want {
			t.Errorf("NextFollowUpTime(%v) = +%v, want +%v", score, got, want)
		}
	}
}

func TestEvaluate_AllRules(t *testing.T) {
	in := Input{Frequency: "once daily", StartDate: now.AddDate(0, -2, 0), RemainingQuantity: 0, RefillThreshold: 5}
	findings := Evaluate(in, now)

	want := []prescription.Reason{prescription.ReasonHighRisk, prescription.ReasonRefillNeeded,
		prescription.ReasonNoLogs, prescription.ReasonLowCompliance}
	if len(findings) != len(want) {
		t.Fatalf("expected %d findings, got %+v", len(want), findings)
	}
	for i, f := range findings {
		if f.Reason != want[i] {
			t.Errorf("finding %d: got %s, want %s", i, f.Reason, want[i])
		}
		if f.RiskScore < 0.7 {
			t.Errorf("finding %d: expected risk snapshot, got %v", i, f.RiskScore)
		}
	}
	if d := findings[0].DueAt.Sub(now); d != 6*time.Hour {
		t.Errorf("high risk due in %v, want 6h", d)
	}
	if d := findings[3].DueAt.Sub(now); d != 48*time.Hour {
		t.Errorf("low compliance due in %v, want 48h", d)
	}
	if findings[3].Notes != "Auto-generated: 30-day compliance 0.0%." {
		t.Errorf("unexpected note %q", findings[3].Notes)
	}
}

func TestEvaluate_HealthyAndInactive(t *testing.T) {
	healthy := Input{Frequency: "once daily", StartDate: now.AddDate(0, 0, -10), RemainingQuantity: 30,
		RefillThreshold: 5, Logs: dailyLogs(10)}
	if f := Evaluate(healthy, now); len(f) != 0 {
		t.Errorf("expected no findings, got %+v", f)
	}

	ended := Input{Frequency: "once daily", StartDate: now.AddDate(0, -2, 0), EndDate: now.AddDate(0, 0, -1)}
	if f := Evaluate(ended, now); f != nil {
		t.Errorf("ended medications are skipped, got %+v", f)
	}

	endsToday := ended
	endsToday.EndDate = now
	if !Active(endsToday, now) {
		t.Error("a medication ending today is still active")
	}
}

func TestAnnotate_KeepsServerValues(t *testing.T) {
	start := prescription.NewDate(now.AddDate(0, -2, 0))
	m := prescription.Medication{Frequency: "once", StartDate: &start, RemainingQuantity: 0, RefillThreshold: 5}
	Annotate(&m, nil, now)
	if m.ComplianceRate == nil || *m.ComplianceRate != 0 {
		t.Errorf("expected derived compliance 0, got %v", m.ComplianceRate)
	}
	if m.RiskLevel != prescription.RiskHigh {
		t.Errorf("expected derived high risk, got %s", m.RiskLevel)
	}

	served := prescription.Medication{RiskLevel: prescription.RiskLow, NoncomplianceRisk: floatPtr(0.1), ComplianceRate: floatPtr(92)}
	Annotate(&served, nil, now)
	if served.RiskLevel != prescription.RiskLow || *served.ComplianceRate != 92 || *served.NoncomplianceRisk != 0.1 {
		t.Errorf("server values must be kept: %+v", served)
	}
}
