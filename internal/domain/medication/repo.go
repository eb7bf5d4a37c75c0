package medication

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medtrack/internal/domain/prescription"
)

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	List(ctx context.Context, filter PrescriptionFilter) ([]*Prescription, error)
	// Decrement lowers remaining_quantity by n, failing with
	// ErrInsufficientQuantity rather than going below zero.
	Decrement(ctx context.Context, id uuid.UUID, n int) (*Prescription, error)
	// Refill adds n to remaining_quantity, raising total_quantity when the
	// new remaining exceeds it.
	Refill(ctx context.Context, id uuid.UUID, n int) (*Prescription, error)
	Patients(ctx context.Context) ([]prescription.Patient, error)
}

type IntakeLogRepository interface {
	Create(ctx context.Context, l *IntakeLog) error
	ListByMedication(ctx context.Context, medicationID uuid.UUID, q LogQuery) ([]*IntakeLog, error)
}

type FollowUpRepository interface {
	// Create fails with ErrDuplicatePending when f is pending and the
	// medication already has a pending follow-up with the same reason.
	Create(ctx context.Context, f *FollowUp) error
	GetByID(ctx context.Context, id uuid.UUID) (*FollowUp, error)
	List(ctx context.Context, filter FollowUpFilter) ([]*FollowUp, error)
	// SetStatus moves a follow-up from one status to another, failing with
	// ErrStatusConflict when it is no longer in from.
	SetStatus(ctx context.Context, id uuid.UUID, from, to prescription.Status, at time.Time) (*FollowUp, error)
	CountPending(ctx context.Context, medicationID uuid.UUID) (int, error)
	ExistsPending(ctx context.Context, medicationID uuid.UUID, reason prescription.Reason) (bool, error)
}
