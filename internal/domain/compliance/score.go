package compliance

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/medtrack/internal/domain/prescription"
)

const (
	complianceWindowDays = 30
	adherenceWindowDays  = 14
	noLogsAfterDays      = 7
	highRiskScore        = 0.7
	mediumRiskScore      = 0.4
)

// Input is what scoring needs to know about one medication. Logs holds the
// taken_at times of every intake, in any order.
type Input struct {
	Frequency         string
	StartDate         time.Time
	EndDate           time.Time
	NextDue           time.Time
	RemainingQuantity int
	RefillThreshold   int
	Logs              []time.Time
}

// ExpectedDosesPerDay reads the daily cadence from a free-text frequency such
// as "twice daily" or "3x/day". Unrecognized text means once a day.
func ExpectedDosesPerDay(frequency string) int {
	f := strings.ToLower(frequency)
	switch {
	case strings.Contains(f, "once") || strings.Contains(f, "1"):
		return 1
	case strings.Contains(f, "twice") || strings.Contains(f, "2"):
		return 2
	case strings.Contains(f, "three") || strings.Contains(f, "3"):
		return 3
	case strings.Contains(f, "four") || strings.Contains(f, "4"):
		return 4
	}
	return 1
}

// ComplianceRate is the percentage of expected doses logged over the trailing
// 30 days, rounded to one decimal. A medication started today or later is
// fully compliant.
func ComplianceRate(in Input, now time.Time) float64 {
	days := daysOn(in.StartDate, now, complianceWindowDays)
	if days <= 0 {
		return 100
	}
	expected := max(1, days*ExpectedDosesPerDay(in.Frequency))
	actual := logsSince(in.Logs, now.AddDate(0, 0, -complianceWindowDays))
	rate := math.Min(float64(actual)/float64(expected)*100, 100)
	return math.Round(rate*10) / 10
}

// NoncomplianceRisk scores 0 to 1, higher meaning more likely to stop taking
// the medication. It weighs recent adherence 0.4, staleness of the last log
// 0.3, supply against the refill threshold 0.2 and days past next_due 0.1.
func NoncomplianceRisk(in Input, now time.Time) float64 {
	days := daysOn(in.StartDate, now, adherenceWindowDays)
	expected := max(1, days*ExpectedDosesPerDay(in.Frequency))
	actual := logsSince(in.Logs, now.AddDate(0, 0, -adherenceWindowDays))
	adherenceRisk := 1 - math.Min(float64(actual)/float64(expected), 1)

	sinceLast := adherenceWindowDays + 1
	if last, ok := latest(in.Logs); ok {
		sinceLast = wholeDays(now.Sub(last))
	}
	stalenessRisk := math.Min(float64(sinceLast)/(adherenceWindowDays*1.5), 1)

	var refillRisk float64
	if in.RemainingQuantity <= 0 {
		refillRisk = 1
	} else {
		refillRisk = clamp(1-float64(in.RemainingQuantity)/float64(max(1, in.RefillThreshold*2)), 0, 1)
	}

	var overdueRisk float64
	if !in.NextDue.IsZero() {
		if overdue := calendarDays(in.NextDue, now); overdue > 0 {
			overdueRisk = math.Min(float64(overdue)/7, 1)
		}
	}

	score := 0.4*adherenceRisk + 0.3*stalenessRisk + 0.2*refillRisk + 0.1*overdueRisk
	return clamp(score, 0, 1)
}

// LevelForScore buckets a risk score.
func LevelForScore(score float64) prescription.RiskLevel {
	switch {
	case score >= highRiskScore:
		return prescription.RiskHigh
	case score >= mediumRiskScore:
		return prescription.RiskMedium
	default:
		return prescription.RiskLow
	}
}

// NextFollowUpTime schedules a follow-up sooner the higher the risk.
func NextFollowUpTime(score float64, now time.Time) time.Time {
	switch {
	case score >= 0.7:
		return now.Add(6 * time.Hour)
	case score >= 0.5:
		return now.Add(24 * time.Hour)
	case score >= 0.3:
		return now.AddDate(0, 0, 3)
	default:
		return now.AddDate(0, 0, 7)
	}
}

// Active reports whether the medication has not passed its end date.
func Active(in Input, now time.Time) bool {
	return in.EndDate.IsZero() || calendarDays(in.EndDate, now) <= 0
}

// Finding is one follow-up a scan should create.
type Finding struct {
	Reason    prescription.Reason
	DueAt     time.Time
	Notes     string
	RiskScore float64
}

// Evaluate applies the scan rules to one medication. Inactive medications
// yield nothing. Findings come in reason order: high risk, refill, no logs,
// low compliance.
func Evaluate(in Input, now time.Time) []Finding {
	if !Active(in, now) {
		return nil
	}

	score := NoncomplianceRisk(in, now)
	rate := ComplianceRate(in, now)
	var out []Finding

	if score >= highRiskScore {
		out = append(out, Finding{
			Reason: prescription.ReasonHighRisk,
			DueAt:  NextFollowUpTime(score, now),
			Notes:  "Auto-generated due to high non-compliance risk.",
		})
	}
	if in.RemainingQuantity <= max(0, in.RefillThreshold) {
		out = append(out, Finding{
			Reason: prescription.ReasonRefillNeeded,
			DueAt:  now.Add(24 * time.Hour),
			Notes:  "Auto-generated refill reminder.",
		})
	}

	sinceLast := 999
	if last, ok := latest(in.Logs); ok {
		sinceLast = wholeDays(now.Sub(last))
	}
	if sinceLast >= noLogsAfterDays {
		out = append(out, Finding{
			Reason: prescription.ReasonNoLogs,
			DueAt:  now.Add(24 * time.Hour),
			Notes:  "Auto-generated due to no recent intake logs.",
		})
	}
	if rate < LowComplianceThreshold {
		out = append(out, Finding{
			Reason: prescription.ReasonLowCompliance,
			DueAt:  now.AddDate(0, 0, 2),
			Notes:  "Auto-generated: 30-day compliance " + strconv.FormatFloat(rate, 'f', 1, 64) + "%.",
		})
	}

	for i := range out {
		out[i].RiskScore = score
	}
	return out
}

// daysOn is the number of calendar days since start, capped to window. A zero
// start counts as the full window.
func daysOn(start, now time.Time, window int) int {
	if start.IsZero() {
		return window
	}
	d := calendarDays(start, now)
	if d < 0 {
		return 0
	}
	if d > window {
		return window
	}
	return d
}

// calendarDays counts calendar days from a to b, ignoring time of day.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

func logsSince(logs []time.Time, since time.Time) int {
	n := 0
	for _, t := range logs {
		if !t.Before(since) {
			n++
		}
	}
	return n
}

func latest(logs []time.Time) (time.Time, bool) {
	var best time.Time
	for _, t := range logs {
		if t.After(best) {
			best = t
		}
	}
	return best, !best.IsZero()
}

// InputFor builds scoring input from a medication and its intake logs.
func InputFor(m *prescription.Medication, logs []prescription.IntakeLog) Input {
	in := Input{
		Frequency:         m.Frequency,
		RemainingQuantity: m.RemainingQuantity,
		RefillThreshold:   m.RefillThreshold,
	}
	if m.StartDate != nil {
		in.StartDate = m.StartDate.Time
	}
	if m.EndDate != nil {
		in.EndDate = m.EndDate.Time
	}
	if m.NextDue != nil {
		in.NextDue = m.NextDue.Time
	}
	in.Logs = make([]time.Time, 0, len(logs))
	for _, l := range logs {
		in.Logs = append(in.Logs, l.TakenAt)
	}
	return in
}

// Annotate fills the compliance and risk fields the backend left out, scoring
// from logs. Fields the backend supplied are kept.
func Annotate(m *prescription.Medication, logs []prescription.IntakeLog, now time.Time) {
	in := InputFor(m, logs)
	if m.ComplianceRate == nil {
		rate := ComplianceRate(in, now)
		m.ComplianceRate = &rate
	}
	if m.NoncomplianceRisk == nil {
		score := NoncomplianceRisk(in, now)
		m.NoncomplianceRisk = &score
	}
	if m.RiskLevel == "" {
		m.RiskLevel = LevelForScore(*m.NoncomplianceRisk)
	}
}
