package prescription

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDate_JSON(t *testing.T) {
	var m Medication
	err := json.Unmarshal([]byte(`{"start_date":"2024-03-01","next_due":null,"end_date":"2024-04-01T09:30:00Z"}`), &m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.StartDate == nil || m.StartDate.String() != "2024-03-01" {
		t.Errorf("unexpected start date: %v", m.StartDate)
	}
	if m.NextDue != nil && !m.NextDue.IsZero() {
		t.Errorf("expected empty next_due, got %v", m.NextDue)
	}
	if m.EndDate == nil || m.EndDate.String() != "2024-04-01" {
		t.Errorf("expected timestamp truncated to date, got %v", m.EndDate)
	}

	out, _ := json.Marshal(Medication{StartDate: m.StartDate})
	if !strings.Contains(string(out), `"start_date":"2024-03-01"`) {
		t.Errorf("unexpected encoding: %s", out)
	}
	if strings.Contains(string(out), "next_due") {
		t.Errorf("nil dates must be omitted: %s", out)
	}
}

func TestParseDate_Invalid(t *testing.T) {
	if _, err := ParseDate("03/15/2024"); err == nil {
		t.Error("expected error for non-ISO date")
	}
}

func TestFollowUp_MedicationLabel(t *testing.T) {
	id := uuid.New()
	if got := (&FollowUp{MedicationID: &id, MedicationName: "Aspirin"}).MedicationLabel(); got != "Aspirin" {
		t.Errorf("expected name, got %q", got)
	}
	if got := (&FollowUp{MedicationID: &id}).MedicationLabel(); got != id.String() {
		t.Errorf("expected raw id fallback, got %q", got)
	}
	if got := (&FollowUp{}).MedicationLabel(); got != "-" {
		t.Errorf("expected placeholder for deleted medication, got %q", got)
	}
}

func TestFollowUp_DueAndActionable(t *testing.T) {
	due := time.Now()
	sched := due.Add(time.Hour)
	f := &FollowUp{Status: StatusPending, DueAt: &due}
	if f.Due() != &due {
		t.Error("expected due_at when no schedule")
	}
	f.ScheduledAt = &sched
	if f.Due() != &sched {
		t.Error("scheduled_at takes precedence")
	}
	if !f.Actionable() {
		t.Error("pending follow-ups are actionable")
	}
	f.Status = StatusCanceled
	if f.Actionable() {
		t.Error("terminal follow-ups are not actionable")
	}
	if (&FollowUp{}).Due() != nil {
		t.Error("expected nil due for 'due soon'")
	}
}

func TestStatusAndReason(t *testing.T) {
	if StatusPending.Terminal() || !StatusCompleted.Terminal() || !StatusCanceled.Terminal() {
		t.Error("unexpected terminal states")
	}
	if Status("archived").Valid() {
		t.Error("unknown status must be invalid")
	}
	for _, r := range Reasons {
		if !r.Valid() || r.Label() == string(r) {
			t.Errorf("reason %s must be valid and labelled", r)
		}
	}
}

func TestScanResult_Total(t *testing.T) {
	r := &ScanResult{Created: map[Reason]int{ReasonHighRisk: 2, ReasonNoLogs: 1}}
	if r.Total() != 3 {
		t.Errorf("expected 3, got %d", r.Total())
	}
}

func TestAlertFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind AlertKind
		want string
	}{
		{"conflict", &ConflictError{}, AlertWarning, "already handled"},
		{"api message", &APIError{Status: 400, Message: "Not enough remaining quantity."}, AlertDanger, "Not enough remaining quantity."},
		{"api generic", &APIError{Status: 500, Message: http.StatusText(500)}, AlertDanger, "Failed to save follow-up."},
		{"network", &NetworkError{Op: "x", Err: errors.New("dial tcp: refused")}, AlertDanger, "Check your connection"},
		{"other", errors.New("boom"), AlertDanger, "Failed to save follow-up."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AlertFor("save follow-up", tt.err)
			if a.Kind != tt.kind || !strings.Contains(a.Message, tt.want) {
				t.Errorf("unexpected alert %+v", a)
			}
		})
	}
}
