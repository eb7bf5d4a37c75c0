package prescription

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reason is why a follow-up exists.
type Reason string

const (
	ReasonHighRisk      Reason = "high_risk"
	ReasonRefillNeeded  Reason = "refill_needed"
	ReasonNoLogs        Reason = "no_logs"
	ReasonLowCompliance Reason = "low_compliance"
)

// Reasons lists every reason in display order.
var Reasons = []Reason{ReasonHighRisk, ReasonRefillNeeded, ReasonNoLogs, ReasonLowCompliance}

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	for _, known := range Reasons {
		if r == known {
			return true
		}
	}
	return false
}

// Label is the human-readable reason.
func (r Reason) Label() string {
	switch r {
	case ReasonHighRisk:
		return "High non-compliance risk"
	case ReasonRefillNeeded:
		return "Refill needed"
	case ReasonNoLogs:
		return "No recent logs"
	case ReasonLowCompliance:
		return "Low compliance"
	}
	return string(r)
}

// Status is the follow-up lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// RiskLevel is the categorical non-compliance risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date in t's location.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*d = Date{}
		return nil
	}
	// Accept full timestamps from backends that send datetimes.
	if len(*s) > len(dateLayout) {
		t, err := time.Parse(time.RFC3339, *s)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", *s, err)
		}
		*d = NewDate(t)
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Medication is a prescribed medication with its supply and compliance
// annotations. Pointer fields are absent when the backend did not compute
// them.
type Medication struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   *uuid.UUID `json:"patient,omitempty"`
	PatientName string     `json:"patient_name,omitempty"`
	Name        string     `json:"name"`
	Dosage      string     `json:"dosage"`
	Frequency   string     `json:"frequency"`

	TotalQuantity     int `json:"total_quantity"`
	RemainingQuantity int `json:"remaining_quantity"`
	RefillThreshold   int `json:"refill_threshold"`

	StartDate *Date `json:"start_date,omitempty"`
	EndDate   *Date `json:"end_date,omitempty"`
	NextDue   *Date `json:"next_due,omitempty"`

	ComplianceRate    *float64  `json:"compliance_rate,omitempty"`
	RiskLevel         RiskLevel `json:"risk_level,omitempty"`
	NoncomplianceRisk *float64  `json:"noncompliance_risk,omitempty"`
	NeedsRefill       *bool     `json:"needs_refill,omitempty"`
	IsDepleted        *bool     `json:"is_depleted,omitempty"`

	PendingFollowUpsCount int         `json:"pending_followups_count"`
	RecentLogs            []IntakeLog `json:"recent_logs,omitempty"`
}

// HasRiskData reports whether the backend supplied risk annotations.
func (m *Medication) HasRiskData() bool {
	return m.RiskLevel != "" && m.NoncomplianceRisk != nil
}

// IntakeLog is one recorded intake. Immutable once created.
type IntakeLog struct {
	ID           uuid.UUID `json:"id"`
	MedicationID uuid.UUID `json:"medication_id"`
	TakenAt      time.Time `json:"taken_at"`
	DosesTaken   int       `json:"doses_taken"`
	Notes        string    `json:"notes,omitempty"`
}

// FollowUp is a check-in task about one medication.
type FollowUp struct {
	ID                uuid.UUID  `json:"id"`
	MedicationID      *uuid.UUID `json:"medication"`
	MedicationName    string     `json:"medication_name,omitempty"`
	PatientID         uuid.UUID  `json:"patient"`
	PatientName       string     `json:"patient_name,omitempty"`
	Reason            Reason     `json:"reason"`
	Status            Status     `json:"status"`
	DueAt             *time.Time `json:"due_at,omitempty"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	RiskScoreSnapshot *float64   `json:"risk_score_snapshot,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// MedicationLabel is the medication name, or the raw id when the medication
// was deleted or its name was not expanded.
func (f *FollowUp) MedicationLabel() string {
	if f.MedicationName != "" {
		return f.MedicationName
	}
	if f.MedicationID != nil {
		return f.MedicationID.String()
	}
	return "-"
}

// Due returns the fixed due time. Nil means "due soon".
func (f *FollowUp) Due() *time.Time {
	if f.ScheduledAt != nil {
		return f.ScheduledAt
	}
	return f.DueAt
}

// Actionable reports whether the follow-up can still be completed or
// canceled.
func (f *FollowUp) Actionable() bool {
	return f.Status == StatusPending
}

// IntakeRequest is the payload for logging a dose.
type IntakeRequest struct {
	DosesTaken int    `json:"doses_taken"`
	Notes      string `json:"notes"`
}

// FollowUpRequest is the payload for creating a follow-up. A nil ScheduledAt
// lets the backend default to "due soon".
type FollowUpRequest struct {
	Reason      Reason
	Notes       string
	ScheduledAt *time.Time
}

// scheduleLayout always renders a numeric offset, including +00:00 for UTC.
const scheduleLayout = "2006-01-02T15:04:05-07:00"

// FormatSchedule renders t as ISO-8601 with an explicit numeric offset.
func FormatSchedule(t time.Time) string {
	return t.Format(scheduleLayout)
}

type followUpPayload struct {
	Medication  uuid.UUID `json:"medication"`
	Reason      Reason    `json:"reason"`
	Notes       string    `json:"notes,omitempty"`
	ScheduledAt *string   `json:"scheduled_at,omitempty"`
}

func newFollowUpPayload(medicationID uuid.UUID, req FollowUpRequest) followUpPayload {
	p := followUpPayload{Medication: medicationID, Reason: req.Reason, Notes: req.Notes}
	if req.ScheduledAt != nil {
		s := FormatSchedule(*req.ScheduledAt)
		p.ScheduledAt = &s
	}
	return p
}

// FollowUpFilter narrows ListFollowUps. Empty fields are not sent.
type FollowUpFilter struct {
	Status Status
	Reason Reason
}

// PrescriptionRequest creates a medication for a patient.
type PrescriptionRequest struct {
	PatientID         *uuid.UUID `json:"patient_id,omitempty"`
	PatientName       string     `json:"patient_name,omitempty"`
	Name              string     `json:"name"`
	Dosage            string     `json:"dosage"`
	Frequency         string     `json:"frequency"`
	TotalQuantity     int        `json:"total_quantity"`
	RemainingQuantity int        `json:"remaining_quantity"`
	RefillThreshold   int        `json:"refill_threshold"`
	StartDate         *Date      `json:"start_date,omitempty"`
	EndDate           *Date      `json:"end_date,omitempty"`
	NextDue           *Date      `json:"next_due,omitempty"`
}

// DefaultRefillThreshold applies when a prescription omits its threshold.
const DefaultRefillThreshold = 7

// WithDefaults fills the quantity defaults: remaining defaults to total and
// the refill threshold to DefaultRefillThreshold.
func (r PrescriptionRequest) WithDefaults() PrescriptionRequest {
	if r.RemainingQuantity <= 0 {
		r.RemainingQuantity = r.TotalQuantity
	}
	if r.RefillThreshold <= 0 {
		r.RefillThreshold = DefaultRefillThreshold
	}
	return r
}

// RefillRequest adds quantity to the remaining supply.
type RefillRequest struct {
	Quantity int `json:"quantity"`
}

// RiskAssessment is the server-computed risk for one medication.
type RiskAssessment struct {
	RiskScore      float64   `json:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	ComplianceRate float64   `json:"compliance_rate"`
}

// Patient is an entry in the caregiver and doctor patient picker.
type Patient struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// ScanResult reports how many follow-ups a scan created per reason.
type ScanResult struct {
	Created map[Reason]int `json:"created"`
}

// Total is the number of follow-ups created across reasons.
func (r *ScanResult) Total() int {
	n := 0
	for _, c := range r.Created {
		n += c
	}
	return n
}
