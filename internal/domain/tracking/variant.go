package tracking

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/medtrack/internal/platform/session"
)

// Variant is the per-role configuration of the tracking view. The set is
// closed: PatientView, CaregiverView and DoctorView.
type Variant interface {
	Role() session.Role
	// Scope returns the patient to load and whether to load at all.
	Scope() (patientID *uuid.UUID, fetch bool)
	// SelectsPatient reports whether the view needs a patient picker.
	SelectsPatient() bool
	// ManagesFollowUps reports whether follow-up actions are offered.
	ManagesFollowUps() bool
	Title() string

	sealed()
}

// PatientView shows the signed-in patient's own medications.
type PatientView struct{}

func (PatientView) Role() session.Role        { return session.RolePatient }
func (PatientView) Scope() (*uuid.UUID, bool) { return nil, true }
func (PatientView) SelectsPatient() bool      { return false }
func (PatientView) ManagesFollowUps() bool    { return false }
func (PatientView) Title() string             { return "My Medications" }
func (PatientView) sealed()                   {}

// CaregiverView shows the medications of the selected patient.
type CaregiverView struct {
	Selected *uuid.UUID
}

func (CaregiverView) Role() session.Role          { return session.RoleCaregiver }
func (v CaregiverView) Scope() (*uuid.UUID, bool) { return v.Selected, v.Selected != nil }
func (CaregiverView) SelectsPatient() bool        { return true }
func (CaregiverView) ManagesFollowUps() bool      { return true }
func (CaregiverView) Title() string               { return "Patient Medications" }
func (CaregiverView) sealed()                     {}

// DoctorView shows the medications of the selected patient.
type DoctorView struct {
	Selected *uuid.UUID
}

func (DoctorView) Role() session.Role          { return session.RoleDoctor }
func (v DoctorView) Scope() (*uuid.UUID, bool) { return v.Selected, v.Selected != nil }
func (DoctorView) SelectsPatient() bool        { return true }
func (DoctorView) ManagesFollowUps() bool      { return true }
func (DoctorView) Title() string               { return "Prescribed Medications" }
func (DoctorView) sealed()                     {}

// VariantFor builds the view variant for role. selected is ignored for
// patients.
func VariantFor(role session.Role, selected *uuid.UUID) (Variant, error) {
	switch role {
	case session.RolePatient:
		return PatientView{}, nil
	case session.RoleCaregiver:
		return CaregiverView{Selected: selected}, nil
	case session.RoleDoctor:
		return DoctorView{Selected: selected}, nil
	}
	return nil, fmt.Errorf("no tracking view for role %q", role)
}

// withSelection returns v with a new patient selection.
func withSelection(v Variant, selected *uuid.UUID) (Variant, error) {
	switch v.(type) {
	case CaregiverView:
		return CaregiverView{Selected: selected}, nil
	case DoctorView:
		return DoctorView{Selected: selected}, nil
	}
	return v, fmt.Errorf("%s view does not select patients", v.Role())
}
