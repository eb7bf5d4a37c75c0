package followup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/domain/compliance"
	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/metrics"
)

// ErrSubmitting is returned when a create is attempted while another is in
// flight.
var ErrSubmitting = errors.New("follow-up submission already in progress")

// ErrAlreadyPending is returned when the loaded list already holds a pending
// follow-up for the same medication and reason.
var ErrAlreadyPending = errors.New("a pending follow-up with this reason already exists for the medication")

// Repository is the slice of the prescription client the manager needs.
type Repository interface {
	CreateMedicationFollowUp(ctx context.Context, medicationID uuid.UUID, req prescription.FollowUpRequest) (*prescription.FollowUp, error)
	ListFollowUps(ctx context.Context, filter prescription.FollowUpFilter) ([]prescription.FollowUp, error)
	CompleteFollowUp(ctx context.Context, id uuid.UUID) (*prescription.FollowUp, error)
	CancelFollowUp(ctx context.Context, id uuid.UUID) (*prescription.FollowUp, error)
	ListAtRiskMedications(ctx context.Context) ([]prescription.Medication, error)
}

// Form is the create-follow-up modal. Date and Time are the raw form fields.
type Form struct {
	MedicationID   uuid.UUID
	MedicationName string
	Reason         prescription.Reason
	Notes          string
	Date           string
	Time           string
}

// Outcome is how a complete or cancel attempt ended.
type Outcome string

const (
	OutcomeDone           Outcome = "done"
	OutcomeAlreadyHandled Outcome = "already_handled"
	OutcomeFailed         Outcome = "failed"
)

// Options configures a Manager.
type Options struct {
	// Location turns the form's date and time into an instant.
	Location *time.Location
	Logger   zerolog.Logger
	Now      func() time.Time
	// OnCreated is told about every created follow-up so medication views
	// can bump their pending count until the next fetch.
	OnCreated func(medicationID uuid.UUID)
}

// Manager holds the follow-up list, the open create form and the inline
// alert. It is safe for concurrent use.
type Manager struct {
	repo      Repository
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time
	onCreated func(uuid.UUID)

	mu         sync.Mutex
	form       *Form
	submitting bool
	items      []prescription.FollowUp
	filter     prescription.FollowUpFilter
	alert      *prescription.Alert
	gen        uint64
	closed     bool
}

// NewManager returns a Manager over repo.
func NewManager(repo Repository, opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		repo:      repo,
		loc:       opts.Location,
		logger:    opts.Logger.With().Str("component", "followup").Logger(),
		now:       opts.Now,
		onCreated: opts.OnCreated,
	}
}

// OpenForm opens the create form for m with the suggested reason preselected.
func (mg *Manager) OpenForm(m *prescription.Medication) Form {
	f := Form{
		MedicationID:   m.ID,
		MedicationName: m.Name,
		Reason:         compliance.SuggestReason(m),
	}
	mg.mu.Lock()
	mg.form = &f
	mg.mu.Unlock()
	return f
}

// OpenedForm returns the open form, if any.
func (mg *Manager) OpenedForm() (Form, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.form == nil {
		return Form{}, false
	}
	return *mg.form, true
}

// CloseForm discards the open form.
func (mg *Manager) CloseForm() {
	mg.mu.Lock()
	mg.form = nil
	mg.mu.Unlock()
}

// Submitting reports whether a create is in flight.
func (mg *Manager) Submitting() bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.submitting
}

// Create submits f. On success the form closes, OnCreated fires and the list
// reloads. Failures become the inline alert and are returned. At most one
// pending follow-up per medication and reason is allowed; the backend
// enforces the same rule for pairs this manager has not loaded.
func (mg *Manager) Create(ctx context.Context, f Form) (*prescription.FollowUp, error) {
	at, err := ComposeSchedule(f.Date, f.Time, mg.loc)
	if err != nil {
		mg.setAlert(prescription.Alert{Kind: prescription.AlertDanger, Message: err.Error()})
		return nil, err
	}
	if f.Reason == "" {
		f.Reason = prescription.ReasonHighRisk
	}

	mg.mu.Lock()
	if mg.submitting {
		mg.mu.Unlock()
		return nil, ErrSubmitting
	}
	if mg.hasPendingLocked(f.MedicationID, f.Reason) {
		mg.mu.Unlock()
		mg.setAlert(prescription.Alert{
			Kind:    prescription.AlertWarning,
			Message: "This medication already has a pending follow-up (" + f.Reason.Label() + ").",
		})
		return nil, ErrAlreadyPending
	}
	mg.submitting = true
	mg.mu.Unlock()

	created, err := mg.repo.CreateMedicationFollowUp(ctx, f.MedicationID, prescription.FollowUpRequest{
		Reason:      f.Reason,
		Notes:       f.Notes,
		ScheduledAt: at,
	})

	mg.mu.Lock()
	mg.submitting = false
	if err == nil {
		mg.form = nil
		mg.alert = nil
	}
	mg.mu.Unlock()

	if err != nil {
		mg.logger.Warn().Err(err).Str("medication_id", f.MedicationID.String()).Msg("create follow-up failed")
		mg.setAlert(prescription.AlertFor("create follow-up", err))
		return nil, err
	}

	metrics.RecordFollowUpCreated(string(f.Reason), "manual", 1)
	if mg.onCreated != nil {
		mg.onCreated(f.MedicationID)
	}
	mg.logger.Info().
		Str("follow_up_id", created.ID.String()).
		Str("medication_id", f.MedicationID.String()).
		Str("reason", string(f.Reason)).
		Msg("follow-up created")
	mg.refreshQuietly(ctx)
	return created, nil
}

func (mg *Manager) hasPendingLocked(medicationID uuid.UUID, reason prescription.Reason) bool {
	for i := range mg.items {
		f := &mg.items[i]
		if f.Status == prescription.StatusPending && f.Reason == reason &&
			f.MedicationID != nil && *f.MedicationID == medicationID {
			return true
		}
	}
	return false
}

// QuickCreate creates a follow-up for an at-risk medication scheduled
// tomorrow at 10:00: high_risk for high-risk medications, low_compliance for
// everything else on the at-risk list.
func (mg *Manager) QuickCreate(ctx context.Context, m *prescription.Medication) (*prescription.FollowUp, error) {
	slot := QuickSchedule(mg.now(), mg.loc)
	reason := prescription.ReasonLowCompliance
	if m.RiskLevel == prescription.RiskHigh {
		reason = prescription.ReasonHighRisk
	}
	f := Form{
		MedicationID:   m.ID,
		MedicationName: m.Name,
		Reason:         reason,
		Date:           slot.Format("2006-01-02"),
		Time:           slot.Format("15:04"),
	}
	return mg.Create(ctx, f)
}

// Complete marks a pending follow-up completed and reloads the list.
func (mg *Manager) Complete(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return mg.transition(ctx, id, ActionComplete)
}

// Cancel marks a pending follow-up canceled and reloads the list.
func (mg *Manager) Cancel(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return mg.transition(ctx, id, ActionCancel)
}

func (mg *Manager) transition(ctx context.Context, id uuid.UUID, action Action) (Outcome, error) {
	var err error
	if action == ActionComplete {
		_, err = mg.repo.CompleteFollowUp(ctx, id)
	} else {
		_, err = mg.repo.CancelFollowUp(ctx, id)
	}

	log := mg.logger.With().Str("follow_up_id", id.String()).Str("action", string(action)).Logger()
	switch {
	case err == nil:
		metrics.RecordTransition(string(action), "ok")
		mg.clearAlert()
		mg.refreshQuietly(ctx)
		return OutcomeDone, nil
	case errors.Is(err, prescription.ErrConflict):
		metrics.RecordTransition(string(action), "conflict")
		log.Info().Err(err).Msg("follow-up already handled")
		mg.refreshQuietly(ctx)
		mg.setAlert(prescription.AlertFor(string(action)+" follow-up", err))
		return OutcomeAlreadyHandled, nil
	default:
		metrics.RecordTransition(string(action), "error")
		log.Warn().Err(err).Msg("follow-up transition failed")
		mg.setAlert(prescription.AlertFor(string(action)+" follow-up", err))
		return OutcomeFailed, err
	}
}

// SetFilter changes the list filter and reloads.
func (mg *Manager) SetFilter(ctx context.Context, filter prescription.FollowUpFilter) error {
	mg.mu.Lock()
	mg.filter = filter
	mg.mu.Unlock()
	return mg.Refresh(ctx)
}

// Refresh reloads the list. When refreshes overlap, only the most recently
// issued one is applied; responses arriving after Close are dropped.
func (mg *Manager) Refresh(ctx context.Context) error {
	mg.mu.Lock()
	if mg.closed {
		mg.mu.Unlock()
		return nil
	}
	mg.gen++
	gen := mg.gen
	filter := mg.filter
	mg.mu.Unlock()

	items, err := mg.repo.ListFollowUps(ctx, filter)

	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.closed || gen != mg.gen {
		return nil
	}
	if err != nil {
		a := prescription.AlertFor("load follow-ups", err)
		mg.alert = &a
		return err
	}
	mg.items = items
	return nil
}

func (mg *Manager) refreshQuietly(ctx context.Context) {
	if err := mg.Refresh(ctx); err != nil {
		mg.logger.Warn().Err(err).Msg("follow-up list refresh failed")
	}
}

// AtRisk lists medications eligible for quick follow-up creation.
func (mg *Manager) AtRisk(ctx context.Context) ([]prescription.Medication, error) {
	meds, err := mg.repo.ListAtRiskMedications(ctx)
	if err != nil {
		mg.setAlert(prescription.AlertFor("load at-risk medications", err))
		return nil, err
	}
	return meds, nil
}

// Items returns a copy of the current list.
func (mg *Manager) Items() []prescription.FollowUp {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]prescription.FollowUp, len(mg.items))
	copy(out, mg.items)
	return out
}

// Alert returns the inline alert, if any.
func (mg *Manager) Alert() (prescription.Alert, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.alert == nil {
		return prescription.Alert{}, false
	}
	return *mg.alert, true
}

// DismissAlert clears the inline alert.
func (mg *Manager) DismissAlert() {
	mg.clearAlert()
}

// Close stops the manager from applying any further responses.
func (mg *Manager) Close() {
	mg.mu.Lock()
	mg.closed = true
	mg.mu.Unlock()
}

func (mg *Manager) setAlert(a prescription.Alert) {
	mg.mu.Lock()
	if !mg.closed {
		mg.alert = &a
	}
	mg.mu.Unlock()
}

func (mg *Manager) clearAlert() {
	mg.mu.Lock()
	mg.alert = nil
	mg.mu.Unlock()
}
