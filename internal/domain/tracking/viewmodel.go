// Package tracking assembles the per-role medication list: cards enriched
// with supply, compliance and risk indicators, dose logging and intake
// history.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/domain/compliance"
	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/metrics"
)

// RecentLogLimit bounds the logs shown on a card.
const RecentLogLimit = 3

// Repository is the slice of the prescription client the view needs.
type Repository interface {
	FetchPrescriptions(ctx context.Context, patientID *uuid.UUID) ([]prescription.Medication, error)
	LogMedicationIntake(ctx context.Context, medicationID uuid.UUID, req prescription.IntakeRequest) (*prescription.IntakeLog, error)
	GetMedicationLogs(ctx context.Context, medicationID uuid.UUID) ([]prescription.IntakeLog, error)
}

// Patient is an entry in the patient picker.
type Patient = prescription.Patient

// PatientDirectory lists the patients the caller may select.
type PatientDirectory interface {
	ListPatients(ctx context.Context) ([]Patient, error)
}

// DirectoryFunc adapts a function to PatientDirectory.
type DirectoryFunc func(ctx context.Context) ([]Patient, error)

func (f DirectoryFunc) ListPatients(ctx context.Context) ([]Patient, error) { return f(ctx) }

// Card is one rendered medication.
type Card struct {
	Medication prescription.Medication `json:"medication"`

	QuantityPercent float64          `json:"quantity_percent"`
	QuantityGrade   compliance.Grade `json:"quantity_grade"`
	// ComplianceRate is nil when neither the backend nor the intake history
	// could provide it.
	ComplianceRate  *float64         `json:"compliance_rate,omitempty"`
	ComplianceGrade compliance.Grade `json:"compliance_grade,omitempty"`

	NeedsRefill      bool                   `json:"needs_refill"`
	IsDepleted       bool                   `json:"is_depleted"`
	RiskLevel        prescription.RiskLevel `json:"risk_level"`
	RiskBadge        compliance.Grade       `json:"risk_badge"`
	PendingFollowUps int                    `json:"pending_followups"`

	SuggestedReason prescription.Reason      `json:"suggested_reason"`
	RecentLogs      []prescription.IntakeLog `json:"recent_logs"`
}

// HasPendingFollowUps reports whether the pending badge shows.
func (c Card) HasPendingFollowUps() bool {
	return c.PendingFollowUps > 0
}

// Options configures a ViewModel.
type Options struct {
	Directory PatientDirectory
	Logger    zerolog.Logger
	Now       func() time.Time
}

// ViewModel is the medication tracking view for one role. It is safe for
// concurrent use.
type ViewModel struct {
	repo      Repository
	directory PatientDirectory
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	variant Variant
	meds    []prescription.Medication
	// overlay counts follow-ups created since the last fetch. Every
	// authoritative fetch discards it.
	overlay map[uuid.UUID]int
	loading bool
	alert   *prescription.Alert
	gen     uint64
	closed  bool
}

// New returns a ViewModel for variant.
func New(repo Repository, variant Variant, opts Options) *ViewModel {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ViewModel{
		repo:      repo,
		directory: opts.Directory,
		logger:    opts.Logger.With().Str("component", "tracking").Str("role", string(variant.Role())).Logger(),
		now:       opts.Now,
		variant:   variant,
		overlay:   make(map[uuid.UUID]int),
	}
}

// Variant returns the current view variant.
func (vm *ViewModel) Variant() Variant {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.variant
}

// Select changes the selected patient for caregiver and doctor views and
// clears the list. Call Load afterwards.
func (vm *ViewModel) Select(patientID *uuid.UUID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	v, err := withSelection(vm.variant, patientID)
	if err != nil {
		return err
	}
	vm.variant = v
	vm.meds = nil
	vm.overlay = make(map[uuid.UUID]int)
	// Invalidate any load issued for the previous selection.
	vm.gen++
	return nil
}

// Load fetches the medications in scope. Caregiver and doctor views with no
// selected patient show an empty list without issuing a request.
func (vm *ViewModel) Load(ctx context.Context) error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}
	vm.gen++
	gen := vm.gen
	patientID, fetch := vm.variant.Scope()
	if !fetch {
		vm.meds = nil
		vm.overlay = make(map[uuid.UUID]int)
		vm.loading = false
		vm.alert = nil
		vm.mu.Unlock()
		return nil
	}
	vm.loading = true
	vm.alert = nil
	vm.mu.Unlock()

	meds, err := vm.repo.FetchPrescriptions(ctx, patientID)
	if err == nil {
		vm.annotate(ctx, meds)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed || gen != vm.gen {
		return nil
	}
	vm.loading = false
	if err != nil {
		vm.logger.Warn().Err(err).Msg("load medications failed")
		a := prescription.AlertFor("load medications", err)
		vm.alert = &a
		return err
	}
	vm.meds = meds
	vm.overlay = make(map[uuid.UUID]int)
	return nil
}

// annotate scores medications the backend sent without compliance or risk
// data from their full intake history. The card's recent logs are too few to
// score from, so a medication whose history cannot be fetched stays
// unscored.
func (vm *ViewModel) annotate(ctx context.Context, meds []prescription.Medication) {
	now := vm.now()
	for i := range meds {
		m := &meds[i]
		if m.HasRiskData() && m.ComplianceRate != nil {
			continue
		}
		logs, err := vm.repo.GetMedicationLogs(ctx, m.ID)
		if err != nil {
			vm.logger.Warn().Err(err).Str("medication_id", m.ID.String()).Msg("load intake history for scoring failed")
			continue
		}
		compliance.Annotate(m, logs, now)
	}
}

// Loading reports whether a load is in flight.
func (vm *ViewModel) Loading() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.loading
}

// NotePendingFollowUp bumps the pending count shown for a medication until
// the next load.
func (vm *ViewModel) NotePendingFollowUp(medicationID uuid.UUID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return
	}
	vm.overlay[medicationID]++
}

// Cards renders the loaded medications in server order.
func (vm *ViewModel) Cards() []Card {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	cards := make([]Card, 0, len(vm.meds))
	for _, m := range vm.meds {
		cards = append(cards, buildCard(m, vm.overlay[m.ID]))
	}
	return cards
}

// Medication returns one loaded medication by id.
func (vm *ViewModel) Medication(id uuid.UUID) (prescription.Medication, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, m := range vm.meds {
		if m.ID == id {
			return m, true
		}
	}
	return prescription.Medication{}, false
}

func buildCard(m prescription.Medication, overlay int) Card {
	recent := m.RecentLogs
	if len(recent) > RecentLogLimit {
		recent = recent[:RecentLogLimit]
	}

	card := Card{
		Medication:       m,
		QuantityPercent:  compliance.QuantityPercent(m.RemainingQuantity, m.TotalQuantity),
		QuantityGrade:    compliance.QuantityGrade(m.RemainingQuantity, m.RefillThreshold),
		ComplianceRate:   m.ComplianceRate,
		NeedsRefill:      compliance.NeedsRefill(&m),
		IsDepleted:       compliance.IsDepleted(&m),
		RiskLevel:        m.RiskLevel,
		RiskBadge:        compliance.RiskBadge(m.RiskLevel),
		PendingFollowUps: m.PendingFollowUpsCount + overlay,
		SuggestedReason:  compliance.SuggestReason(&m),
		RecentLogs:       recent,
	}
	if m.ComplianceRate != nil {
		card.ComplianceGrade = compliance.ComplianceGrade(*m.ComplianceRate)
	}
	return card
}

// LogDose records exactly one dose of medicationID, then reloads the list.
func (vm *ViewModel) LogDose(ctx context.Context, medicationID uuid.UUID, notes string) (*prescription.IntakeLog, error) {
	log, err := vm.repo.LogMedicationIntake(ctx, medicationID, prescription.IntakeRequest{
		DosesTaken: 1,
		Notes:      notes,
	})
	if err != nil {
		vm.logger.Warn().Err(err).Str("medication_id", medicationID.String()).Msg("log dose failed")
		vm.setAlert(prescription.AlertFor("log medication intake", err))
		return nil, err
	}
	metrics.RecordIntake()

	if err := vm.Load(ctx); err != nil {
		vm.logger.Warn().Err(err).Msg("reload after logging dose failed")
		return log, nil
	}
	vm.setAlert(prescription.Alert{Kind: prescription.AlertSuccess, Message: "Medication intake logged successfully!"})
	return log, nil
}

// History returns every intake log for a medication, newest first.
func (vm *ViewModel) History(ctx context.Context, medicationID uuid.UUID) ([]prescription.IntakeLog, error) {
	logs, err := vm.repo.GetMedicationLogs(ctx, medicationID)
	if err != nil {
		vm.setAlert(prescription.AlertFor("load medication history", err))
		return nil, err
	}
	prescription.SortLogsNewestFirst(logs)
	return logs, nil
}

// Patients lists selectable patients. Views that do not select patients, or
// have no directory, get an empty list. Directory failures are logged and
// yield an empty list.
func (vm *ViewModel) Patients(ctx context.Context) []Patient {
	if !vm.Variant().SelectsPatient() || vm.directory == nil {
		return []Patient{}
	}
	patients, err := vm.directory.ListPatients(ctx)
	if err != nil {
		vm.logger.Warn().Err(err).Msg("load patient directory failed")
		return []Patient{}
	}
	return patients
}

// Alert returns the inline alert, if any.
func (vm *ViewModel) Alert() (prescription.Alert, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.alert == nil {
		return prescription.Alert{}, false
	}
	return *vm.alert, true
}

// Close stops the view from applying any further responses.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	vm.closed = true
	vm.mu.Unlock()
}

func (vm *ViewModel) setAlert(a prescription.Alert) {
	vm.mu.Lock()
	if !vm.closed {
		vm.alert = &a
	}
	vm.mu.Unlock()
}
