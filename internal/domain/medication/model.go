// Package medication is the REST backend for prescriptions, intake logs and
// compliance follow-ups.
package medication

import (
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medtrack/internal/domain/prescription"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema files for db.Migrator.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

var (
	ErrNotFound             = errors.New("not found")
	ErrInsufficientQuantity = errors.New("insufficient remaining quantity")
	ErrStatusConflict       = errors.New("follow-up status changed")
	ErrDuplicatePending     = errors.New("pending follow-up already exists")
	ErrForbidden            = errors.New("forbidden")
)

// ValidationError is a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Prescription is a stored medication.
type Prescription struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	PatientName       string
	PrescribedBy      *uuid.UUID
	Name              string
	Dosage            string
	Frequency         string
	TotalQuantity     int
	RemainingQuantity int
	RefillThreshold   int
	StartDate         *time.Time
	EndDate           *time.Time
	NextDue           *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IntakeLog is a stored dose record.
type IntakeLog struct {
	ID           uuid.UUID
	MedicationID uuid.UUID
	TakenAt      time.Time
	DosesTaken   int
	Notes        string
}

// FollowUp is a stored follow-up task. MedicationID is nil once the
// medication is deleted.
type FollowUp struct {
	ID                uuid.UUID
	MedicationID      *uuid.UUID
	PatientID         uuid.UUID
	CreatedBy         *uuid.UUID
	Reason            prescription.Reason
	Status            prescription.Status
	DueAt             time.Time
	Notes             string
	RiskScoreSnapshot *float64
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// PrescriptionFilter narrows prescription lists. A nil PatientID lists all.
type PrescriptionFilter struct {
	PatientID *uuid.UUID
}

// LogQuery narrows intake log lists. Results are newest first.
type LogQuery struct {
	Since *time.Time
	Limit int
}

// FollowUpFilter narrows follow-up lists. Zero fields match everything.
type FollowUpFilter struct {
	PatientID    *uuid.UUID
	MedicationID *uuid.UUID
	Status       prescription.Status
	Reason       prescription.Reason
}

func datePtr(t *time.Time) *prescription.Date {
	if t == nil {
		return nil
	}
	d := prescription.NewDate(*t)
	return &d
}

func timePtr(d *prescription.Date) *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

func (l *IntakeLog) toWire() prescription.IntakeLog {
	return prescription.IntakeLog{
		ID:           l.ID,
		MedicationID: l.MedicationID,
		TakenAt:      l.TakenAt,
		DosesTaken:   l.DosesTaken,
		Notes:        l.Notes,
	}
}

func (p *Prescription) toWire() prescription.Medication {
	pid := p.PatientID
	return prescription.Medication{
		ID:                p.ID,
		PatientID:         &pid,
		PatientName:       p.PatientName,
		Name:              p.Name,
		Dosage:            p.Dosage,
		Frequency:         p.Frequency,
		TotalQuantity:     p.TotalQuantity,
		RemainingQuantity: p.RemainingQuantity,
		RefillThreshold:   p.RefillThreshold,
		StartDate:         datePtr(p.StartDate),
		EndDate:           datePtr(p.EndDate),
		NextDue:           datePtr(p.NextDue),
	}
}

func (f *FollowUp) toWire(med *Prescription) prescription.FollowUp {
	due := f.DueAt
	out := prescription.FollowUp{
		ID:                f.ID,
		MedicationID:      f.MedicationID,
		PatientID:         f.PatientID,
		Reason:            f.Reason,
		Status:            f.Status,
		DueAt:             &due,
		Notes:             f.Notes,
		RiskScoreSnapshot: f.RiskScoreSnapshot,
		CreatedAt:         f.CreatedAt,
		CompletedAt:       f.CompletedAt,
	}
	if med != nil {
		out.MedicationName = med.Name
		out.PatientName = med.PatientName
	}
	return out
}
