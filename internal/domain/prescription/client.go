package prescription

import (
	"context"
	"net/http"
	"net/url"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/medtrack/internal/platform/apiclient"
)

// Repository is the backend boundary for medications and follow-ups.
type Repository interface {
	FetchPrescriptions(ctx context.Context, patientID *uuid.UUID) ([]Medication, error)
	LogMedicationIntake(ctx context.Context, medicationID uuid.UUID, req IntakeRequest) (*IntakeLog, error)
	GetMedicationLogs(ctx context.Context, medicationID uuid.UUID) ([]IntakeLog, error)
	CreateMedicationFollowUp(ctx context.Context, medicationID uuid.UUID, req FollowUpRequest) (*FollowUp, error)
	ListFollowUps(ctx context.Context, filter FollowUpFilter) ([]FollowUp, error)
	CompleteFollowUp(ctx context.Context, id uuid.UUID) (*FollowUp, error)
	CancelFollowUp(ctx context.Context, id uuid.UUID) (*FollowUp, error)
	ListAtRiskMedications(ctx context.Context) ([]Medication, error)
	ScanAndCreateFollowUps(ctx context.Context) (*ScanResult, error)

	CreatePrescription(ctx context.Context, req PrescriptionRequest) (*Medication, error)
	RefillMedication(ctx context.Context, medicationID uuid.UUID, quantity int) (*Medication, error)
	GetMedicationRisk(ctx context.Context, medicationID uuid.UUID) (*RiskAssessment, error)
	ListPatients(ctx context.Context) ([]Patient, error)
}

// Client implements Repository over the REST contract.
type Client struct {
	api *apiclient.Client
}

// NewClient wraps an authenticated transport.
func NewClient(api *apiclient.Client) *Client {
	return &Client{api: api}
}

var _ Repository = (*Client)(nil)

func medicationPath(id uuid.UUID, action string) string {
	return "/medications/" + id.String() + "/" + action + "/"
}

func followUpPath(id uuid.UUID, action string) string {
	return "/follow-ups/" + id.String() + "/" + action + "/"
}

// FetchPrescriptions lists medications. A nil patientID lets the backend
// infer the patient from the session.
func (c *Client) FetchPrescriptions(ctx context.Context, patientID *uuid.UUID) ([]Medication, error) {
	var q url.Values
	if patientID != nil {
		q = url.Values{"patient": {patientID.String()}}
	}
	return apiclient.List[Medication](ctx, c.api, "fetch_prescriptions", "/medications/", q)
}

// LogMedicationIntake records doses taken. Over-draw is rejected by the
// backend.
func (c *Client) LogMedicationIntake(ctx context.Context, medicationID uuid.UUID, req IntakeRequest) (*IntakeLog, error) {
	if req.DosesTaken < 1 {
		return nil, validationError("doses_taken must be a positive integer")
	}
	var out IntakeLog
	if err := c.api.Post(ctx, "log_intake", medicationPath(medicationID, "log_intake"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMedicationLogs returns every intake log, newest first.
func (c *Client) GetMedicationLogs(ctx context.Context, medicationID uuid.UUID) ([]IntakeLog, error) {
	logs, err := apiclient.List[IntakeLog](ctx, c.api, "medication_logs", medicationPath(medicationID, "logs"), nil)
	if err != nil {
		return nil, err
	}
	SortLogsNewestFirst(logs)
	return logs, nil
}

// SortLogsNewestFirst orders logs by taken_at descending.
func SortLogsNewestFirst(logs []IntakeLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].TakenAt.After(logs[j].TakenAt)
	})
}

// CreateMedicationFollowUp creates a pending follow-up. scheduled_at is
// omitted from the payload entirely when req.ScheduledAt is nil.
func (c *Client) CreateMedicationFollowUp(ctx context.Context, medicationID uuid.UUID, req FollowUpRequest) (*FollowUp, error) {
	if !req.Reason.Valid() {
		return nil, validationError("unknown follow-up reason: " + string(req.Reason))
	}
	var out FollowUp
	if err := c.api.Post(ctx, "create_follow_up", "/follow-ups/", newFollowUpPayload(medicationID, req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFollowUps lists follow-ups visible to the caller.
func (c *Client) ListFollowUps(ctx context.Context, filter FollowUpFilter) ([]FollowUp, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Reason != "" {
		q.Set("reason", string(filter.Reason))
	}
	return apiclient.List[FollowUp](ctx, c.api, "list_follow_ups", "/follow-ups/", q)
}

// CompleteFollowUp marks a pending follow-up completed. A terminal follow-up
// yields ConflictError.
func (c *Client) CompleteFollowUp(ctx context.Context, id uuid.UUID) (*FollowUp, error) {
	return c.transition(ctx, "complete_follow_up", followUpPath(id, "complete"))
}

// CancelFollowUp marks a pending follow-up canceled. A terminal follow-up
// yields ConflictError.
func (c *Client) CancelFollowUp(ctx context.Context, id uuid.UUID) (*FollowUp, error) {
	return c.transition(ctx, "cancel_follow_up", followUpPath(id, "cancel"))
}

func (c *Client) transition(ctx context.Context, op, path string) (*FollowUp, error) {
	var out FollowUp
	if err := c.api.Do(ctx, apiclient.Request{Op: op, Method: http.MethodPost, Path: path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAtRiskMedications returns medications at medium or high risk or
// needing a refill. Caregiver and doctor scope only.
func (c *Client) ListAtRiskMedications(ctx context.Context) ([]Medication, error) {
	return apiclient.List[Medication](ctx, c.api, "at_risk_medications", "/medications/at-risk/", nil)
}

// ScanAndCreateFollowUps runs the batch scan.
func (c *Client) ScanAndCreateFollowUps(ctx context.Context) (*ScanResult, error) {
	out := ScanResult{}
	if err := c.api.Post(ctx, "scan_follow_ups", "/medications/scan-followups/", struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Created == nil {
		out.Created = map[Reason]int{}
	}
	return &out, nil
}

// CreatePrescription creates a medication. Quantity defaults are applied
// before sending.
func (c *Client) CreatePrescription(ctx context.Context, req PrescriptionRequest) (*Medication, error) {
	if req.Name == "" {
		return nil, validationError("name is required")
	}
	if req.TotalQuantity < 0 {
		return nil, validationError("total_quantity must not be negative")
	}
	var out Medication
	if err := c.api.Post(ctx, "create_prescription", "/medications/", req.WithDefaults(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefillMedication adds quantity to the remaining supply.
func (c *Client) RefillMedication(ctx context.Context, medicationID uuid.UUID, quantity int) (*Medication, error) {
	if quantity < 1 {
		return nil, validationError("quantity must be a positive integer")
	}
	var out Medication
	if err := c.api.Post(ctx, "refill_medication", medicationPath(medicationID, "refill"), RefillRequest{Quantity: quantity}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMedicationRisk fetches the server-computed risk for one medication.
func (c *Client) GetMedicationRisk(ctx context.Context, medicationID uuid.UUID) (*RiskAssessment, error) {
	var out RiskAssessment
	if err := c.api.Get(ctx, "medication_risk", medicationPath(medicationID, "risk"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPatients lists the patients a caregiver or doctor can select.
func (c *Client) ListPatients(ctx context.Context) ([]Patient, error) {
	return apiclient.List[Patient](ctx, c.api, "list_patients", "/patients/", nil)
}
