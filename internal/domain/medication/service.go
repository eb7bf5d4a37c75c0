package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/domain/compliance"
	"github.com/ehr/medtrack/internal/domain/followup"
	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/auth"
	"github.com/ehr/medtrack/internal/platform/db"
	"github.com/ehr/medtrack/internal/platform/session"
)

const (
	recentLogCount    = 3
	scoringWindowDays = 30
)

type Service struct {
	prescriptions PrescriptionRepository
	logs          IntakeLogRepository
	followUps     FollowUpRepository
	tx            db.Transactor
	logger        zerolog.Logger
	now           func() time.Time

	// Scans in one process run one at a time; the unique pending index
	// settles races with other processes.
	scanMu sync.Mutex
}

func NewService(
	rx PrescriptionRepository,
	logs IntakeLogRepository,
	fus FollowUpRepository,
	tx db.Transactor,
	logger zerolog.Logger,
) *Service {
	if tx == nil {
		tx = db.NoTx
	}
	return &Service{
		prescriptions: rx,
		logs:          logs,
		followUps:     fus,
		tx:            tx,
		logger:        logger.With().Str("component", "medication").Logger(),
		now:           time.Now,
	}
}

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// -- Access --

// scope returns the patient a caller is limited to. Patients only see their
// own medications; caregivers and doctors may ask for any patient.
func scope(ident auth.Identity, requested *uuid.UUID) *uuid.UUID {
	if ident.Role == session.RolePatient {
		id := ident.UserID
		return &id
	}
	return requested
}

func (s *Service) load(ctx context.Context, ident auth.Identity, id uuid.UUID) (*Prescription, error) {
	p, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// Hide other patients' medications rather than reveal they exist.
	if ident.Role == session.RolePatient && p.PatientID != ident.UserID {
		return nil, ErrNotFound
	}
	return p, nil
}

// -- Medications --

// annotate converts p to its wire form with compliance, risk, supply flags,
// pending follow-up count and the three newest logs.
func (s *Service) annotate(ctx context.Context, p *Prescription) (prescription.Medication, error) {
	now := s.now()
	window, err := s.scoringLogs(ctx, p.ID, now)
	if err != nil {
		return prescription.Medication{}, err
	}
	recent := window
	if len(recent) < recentLogCount {
		if recent, err = s.logs.ListByMedication(ctx, p.ID, LogQuery{Limit: recentLogCount}); err != nil {
			return prescription.Medication{}, fmt.Errorf("list recent logs for %s: %w", p.ID, err)
		}
	}
	pending, err := s.followUps.CountPending(ctx, p.ID)
	if err != nil {
		return prescription.Medication{}, fmt.Errorf("count pending follow-ups for %s: %w", p.ID, err)
	}

	m := p.toWire()
	compliance.Annotate(&m, wireLogs(window), now)
	needsRefill := compliance.NeedsRefill(&m)
	depleted := compliance.IsDepleted(&m)
	m.NeedsRefill = &needsRefill
	m.IsDepleted = &depleted
	m.PendingFollowUpsCount = pending
	if len(recent) > recentLogCount {
		recent = recent[:recentLogCount]
	}
	m.RecentLogs = wireLogs(recent)
	return m, nil
}

// scoringLogs returns the logs inside the scoring window. When the window is
// empty the newest older log is returned instead so staleness is measured
// from the real last intake.
func (s *Service) scoringLogs(ctx context.Context, medicationID uuid.UUID, now time.Time) ([]*IntakeLog, error) {
	since := now.AddDate(0, 0, -scoringWindowDays)
	window, err := s.logs.ListByMedication(ctx, medicationID, LogQuery{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", medicationID, err)
	}
	if len(window) > 0 {
		return window, nil
	}
	last, err := s.logs.ListByMedication(ctx, medicationID, LogQuery{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("list last log for %s: %w", medicationID, err)
	}
	return last, nil
}

func wireLogs(logs []*IntakeLog) []prescription.IntakeLog {
	out := make([]prescription.IntakeLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.toWire())
	}
	return out
}

func (s *Service) annotateAll(ctx context.Context, rxs []*Prescription) ([]prescription.Medication, error) {
	out := make([]prescription.Medication, 0, len(rxs))
	for _, p := range rxs {
		m, err := s.annotate(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ListMedications lists the caller's medications, or the requested
// patient's for caregivers and doctors.
func (s *Service) ListMedications(ctx context.Context, ident auth.Identity, patientID *uuid.UUID) ([]prescription.Medication, error) {
	rxs, err := s.prescriptions.List(ctx, PrescriptionFilter{PatientID: scope(ident, patientID)})
	if err != nil {
		return nil, err
	}
	return s.annotateAll(ctx, rxs)
}

func (s *Service) GetMedication(ctx context.Context, ident auth.Identity, id uuid.UUID) (*prescription.Medication, error) {
	p, err := s.load(ctx, ident, id)
	if err != nil {
		return nil, err
	}
	m, err := s.annotate(ctx, p)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreatePrescription stores a new medication. Patients prescribe for
// themselves; caregivers and doctors must name the patient.
func (s *Service) CreatePrescription(ctx context.Context, ident auth.Identity, req prescription.PrescriptionRequest) (*prescription.Medication, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, invalid("name", "This field is required.")
	}
	if req.TotalQuantity < 0 {
		return nil, invalid("total_quantity", "Must be zero or more.")
	}
	if req.RemainingQuantity < 0 || req.RefillThreshold < 0 {
		return nil, invalid("remaining_quantity", "Quantities must be zero or more.")
	}
	req = req.WithDefaults()
	if req.RemainingQuantity > req.TotalQuantity {
		return nil, invalid("remaining_quantity", "Cannot exceed total_quantity.")
	}

	p := &Prescription{
		Name:              req.Name,
		Dosage:            req.Dosage,
		Frequency:         req.Frequency,
		TotalQuantity:     req.TotalQuantity,
		RemainingQuantity: req.RemainingQuantity,
		RefillThreshold:   req.RefillThreshold,
		StartDate:         timePtr(req.StartDate),
		EndDate:           timePtr(req.EndDate),
		NextDue:           timePtr(req.NextDue),
	}
	switch {
	case ident.Role == session.RolePatient:
		p.PatientID = ident.UserID
		p.PatientName = ident.Name
	case req.PatientID == nil:
		return nil, invalid("patient_id", "Caregivers and doctors must specify patient_id.")
	default:
		p.PatientID = *req.PatientID
		p.PatientName = strings.TrimSpace(req.PatientName)
		by := ident.UserID
		p.PrescribedBy = &by
	}
	if p.StartDate == nil {
		today := s.now()
		p.StartDate = &today
	}

	if err := s.prescriptions.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("medication_id", p.ID.String()).Str("patient_id", p.PatientID.String()).Msg("prescription created")
	return s.GetMedication(ctx, ident, p.ID)
}

// LogIntake records a dose and decrements the remaining supply by exactly
// the doses taken, in one unit of work.
func (s *Service) LogIntake(ctx context.Context, ident auth.Identity, medicationID uuid.UUID, req prescription.IntakeRequest) (*prescription.IntakeLog, error) {
	if req.DosesTaken < 1 {
		return nil, invalid("doses_taken", "Must be at least 1.")
	}
	if _, err := s.load(ctx, ident, medicationID); err != nil {
		return nil, err
	}

	l := &IntakeLog{MedicationID: medicationID, TakenAt: s.now(), DosesTaken: req.DosesTaken, Notes: req.Notes}
	err := s.tx(ctx, func(ctx context.Context) error {
		if _, err := s.prescriptions.Decrement(ctx, medicationID, req.DosesTaken); err != nil {
			return err
		}
		return s.logs.Create(ctx, l)
	})
	if errors.Is(err, ErrInsufficientQuantity) {
		return nil, invalid("", "Not enough remaining quantity to log this intake.")
	}
	if err != nil {
		return nil, err
	}
	out := l.toWire()
	return &out, nil
}

// Logs returns every intake log of a medication, newest first.
func (s *Service) Logs(ctx context.Context, ident auth.Identity, medicationID uuid.UUID) ([]prescription.IntakeLog, error) {
	if _, err := s.load(ctx, ident, medicationID); err != nil {
		return nil, err
	}
	logs, err := s.logs.ListByMedication(ctx, medicationID, LogQuery{})
	if err != nil {
		return nil, err
	}
	return wireLogs(logs), nil
}

// Refill adds quantity to the remaining supply.
func (s *Service) Refill(ctx context.Context, ident auth.Identity, medicationID uuid.UUID, quantity int) (*prescription.Medication, error) {
	if quantity < 1 {
		return nil, invalid("quantity", "Must be at least 1.")
	}
	if _, err := s.load(ctx, ident, medicationID); err != nil {
		return nil, err
	}
	p, err := s.prescriptions.Refill(ctx, medicationID, quantity)
	if err != nil {
		return nil, err
	}
	m, err := s.annotate(ctx, p)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Risk scores one medication now.
func (s *Service) Risk(ctx context.Context, ident auth.Identity, medicationID uuid.UUID) (*prescription.RiskAssessment, error) {
	m, err := s.GetMedication(ctx, ident, medicationID)
	if err != nil {
		return nil, err
	}
	return &prescription.RiskAssessment{
		RiskScore:      *m.NoncomplianceRisk,
		RiskLevel:      m.RiskLevel,
		ComplianceRate: *m.ComplianceRate,
	}, nil
}

// AtRisk lists medications at medium or high risk, or needing a refill.
func (s *Service) AtRisk(ctx context.Context, ident auth.Identity) ([]prescription.Medication, error) {
	meds, err := s.ListMedications(ctx, ident, nil)
	if err != nil {
		return nil, err
	}
	out := make([]prescription.Medication, 0, len(meds))
	for _, m := range meds {
		if compliance.AtRisk(&m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Patients lists the patients that have prescriptions.
func (s *Service) Patients(ctx context.Context) ([]prescription.Patient, error) {
	return s.prescriptions.Patients(ctx)
}

// -- Follow-ups --

// CreateFollowUpInput is a follow-up creation request. A nil ScheduledAt
// makes the follow-up due now.
type CreateFollowUpInput struct {
	MedicationID uuid.UUID           `json:"medication"`
	Reason       prescription.Reason `json:"reason"`
	Notes        string              `json:"notes"`
	ScheduledAt  *time.Time          `json:"scheduled_at"`
}

// CreateFollowUp files a pending follow-up. A medication holds at most one
// pending follow-up per reason; a second one is a ConflictError.
func (s *Service) CreateFollowUp(ctx context.Context, ident auth.Identity, in CreateFollowUpInput) (*prescription.FollowUp, error) {
	if in.MedicationID == uuid.Nil {
		return nil, invalid("medication", "This field is required.")
	}
	if !in.Reason.Valid() {
		return nil, invalid("reason", fmt.Sprintf("%q is not a valid choice.", in.Reason))
	}
	p, err := s.load(ctx, ident, in.MedicationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("medication", "Medication not found.")
		}
		return nil, err
	}
	exists, err := s.followUps.ExistsPending(ctx, p.ID, in.Reason)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, duplicatePending(in.Reason)
	}
	m, err := s.annotate(ctx, p)
	if err != nil {
		return nil, err
	}

	due := s.now()
	if in.ScheduledAt != nil {
		due = *in.ScheduledAt
	}
	medID := p.ID
	by := ident.UserID
	f := &FollowUp{
		MedicationID:      &medID,
		PatientID:         p.PatientID,
		CreatedBy:         &by,
		Reason:            in.Reason,
		Status:            prescription.StatusPending,
		DueAt:             due,
		Notes:             in.Notes,
		RiskScoreSnapshot: m.NoncomplianceRisk,
	}
	if err := s.followUps.Create(ctx, f); errors.Is(err, ErrDuplicatePending) {
		return nil, duplicatePending(in.Reason)
	} else if err != nil {
		return nil, err
	}
	s.logger.Info().Str("follow_up_id", f.ID.String()).Str("reason", string(f.Reason)).Msg("follow-up created")
	out := f.toWire(p)
	return &out, nil
}

func duplicatePending(reason prescription.Reason) error {
	return &prescription.ConflictError{
		Message: "This medication already has a pending follow-up (" + reason.Label() + ").",
	}
}

// ListFollowUps lists follow-ups, pending first then soonest due. Patients
// only see their own.
func (s *Service) ListFollowUps(ctx context.Context, ident auth.Identity, filter FollowUpFilter) ([]prescription.FollowUp, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("%q is not a valid choice.", filter.Status))
	}
	if filter.Reason != "" && !filter.Reason.Valid() {
		return nil, invalid("reason", fmt.Sprintf("%q is not a valid choice.", filter.Reason))
	}
	filter.PatientID = scope(ident, filter.PatientID)

	items, err := s.followUps.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	meds := make(map[uuid.UUID]*Prescription)
	out := make([]prescription.FollowUp, 0, len(items))
	for _, f := range items {
		out = append(out, f.toWire(s.medicationFor(ctx, f, meds)))
	}
	return out, nil
}

func (s *Service) medicationFor(ctx context.Context, f *FollowUp, cache map[uuid.UUID]*Prescription) *Prescription {
	if f.MedicationID == nil {
		return nil
	}
	if p, ok := cache[*f.MedicationID]; ok {
		return p
	}
	p, err := s.prescriptions.GetByID(ctx, *f.MedicationID)
	if err != nil {
		p = nil
	}
	cache[*f.MedicationID] = p
	return p
}

// CompleteFollowUp marks a pending follow-up completed.
func (s *Service) CompleteFollowUp(ctx context.Context, ident auth.Identity, id uuid.UUID) (*prescription.FollowUp, error) {
	return s.transition(ctx, ident, id, followup.ActionComplete)
}

// CancelFollowUp marks a pending follow-up canceled.
func (s *Service) CancelFollowUp(ctx context.Context, ident auth.Identity, id uuid.UUID) (*prescription.FollowUp, error) {
	return s.transition(ctx, ident, id, followup.ActionCancel)
}

func (s *Service) transition(ctx context.Context, ident auth.Identity, id uuid.UUID, action followup.Action) (*prescription.FollowUp, error) {
	f, err := s.followUps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ident.Role == session.RolePatient && f.PatientID != ident.UserID {
		return nil, ErrNotFound
	}
	to, err := followup.Transition(f.Status, action)
	if err != nil {
		return nil, err
	}
	// The conditional update settles races between two callers.
	updated, err := s.followUps.SetStatus(ctx, id, f.Status, to, s.now())
	if errors.Is(err, ErrStatusConflict) {
		return nil, &prescription.ConflictError{Message: "This follow-up was already handled."}
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("follow_up_id", id.String()).Str("status", string(to)).Msg("follow-up transitioned")
	out := updated.toWire(s.medicationFor(ctx, updated, map[uuid.UUID]*Prescription{}))
	return &out, nil
}

// -- Scan --

// Scan evaluates every active medication, or one patient's, and creates the
// follow-ups the compliance rules call for. A rule is skipped while a
// pending follow-up with the same medication and reason exists.
func (s *Service) Scan(ctx context.Context, patientID *uuid.UUID, createdBy *uuid.UUID) (*prescription.ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	result := &prescription.ScanResult{Created: make(map[prescription.Reason]int, len(prescription.Reasons))}
	for _, r := range prescription.Reasons {
		result.Created[r] = 0
	}

	rxs, err := s.prescriptions.List(ctx, PrescriptionFilter{PatientID: patientID})
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, p := range rxs {
		logs, err := s.scoringLogs(ctx, p.ID, now)
		if err != nil {
			return nil, err
		}
		m := p.toWire()
		findings := compliance.Evaluate(compliance.InputFor(&m, wireLogs(logs)), now)
		for _, fd := range findings {
			exists, err := s.followUps.ExistsPending(ctx, p.ID, fd.Reason)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			medID := p.ID
			score := fd.RiskScore
			f := &FollowUp{
				MedicationID:      &medID,
				PatientID:         p.PatientID,
				CreatedBy:         createdBy,
				Reason:            fd.Reason,
				Status:            prescription.StatusPending,
				DueAt:             fd.DueAt,
				Notes:             fd.Notes,
				RiskScoreSnapshot: &score,
			}
			// Another process may have filed the same follow-up since the check.
			if err := s.followUps.Create(ctx, f); errors.Is(err, ErrDuplicatePending) {
				continue
			} else if err != nil {
				return nil, err
			}
			result.Created[fd.Reason]++
		}
	}

	s.logger.Info().Int("medications", len(rxs)).Int("created", result.Total()).Msg("compliance scan complete")
	return result, nil
}
