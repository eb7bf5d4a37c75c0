package medication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medtrack/internal/domain/prescription"
)

// MemoryStore keeps prescriptions, logs and follow-ups in process. It backs
// `medtrack backend --in-memory` and the package tests. Every method is
// atomic.
type MemoryStore struct {
	mu        sync.Mutex
	rx        map[uuid.UUID]*Prescription
	logs      map[uuid.UUID][]*IntakeLog
	followUps map[uuid.UUID]*FollowUp
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rx:        make(map[uuid.UUID]*Prescription),
		logs:      make(map[uuid.UUID][]*IntakeLog),
		followUps: make(map[uuid.UUID]*FollowUp),
		now:       time.Now,
	}
}

// SetClock replaces the store's clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Prescriptions returns the prescription repository view of the store.
func (s *MemoryStore) Prescriptions() PrescriptionRepository { return memRx{s} }

// IntakeLogs returns the intake log repository view of the store.
func (s *MemoryStore) IntakeLogs() IntakeLogRepository { return memLogs{s} }

// FollowUps returns the follow-up repository view of the store.
func (s *MemoryStore) FollowUps() FollowUpRepository { return memFollowUps{s} }

// Ping implements db.Pinger.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// =========== Prescriptions ===========

type memRx struct{ s *MemoryStore }

func (r memRx) Create(_ context.Context, p *Prescription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = r.s.now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	r.s.rx[p.ID] = &cp
	return nil
}

func (r memRx) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.rx[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memRx) List(_ context.Context, filter PrescriptionFilter) ([]*Prescription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Prescription
	for _, p := range r.s.rx {
		if filter.PatientID != nil && p.PatientID != *filter.PatientID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r memRx) Decrement(_ context.Context, id uuid.UUID, n int) (*Prescription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.rx[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.RemainingQuantity < n {
		return nil, ErrInsufficientQuantity
	}
	p.RemainingQuantity -= n
	p.UpdatedAt = r.s.now()
	cp := *p
	return &cp, nil
}

func (r memRx) Refill(_ context.Context, id uuid.UUID, n int) (*Prescription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.rx[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.RemainingQuantity += n
	p.TotalQuantity = max(p.TotalQuantity, p.RemainingQuantity)
	p.UpdatedAt = r.s.now()
	cp := *p
	return &cp, nil
}

func (r memRx) Patients(_ context.Context) ([]prescription.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[uuid.UUID]string)
	for _, p := range r.s.rx {
		if name, ok := seen[p.PatientID]; !ok || p.PatientName > name {
			seen[p.PatientID] = p.PatientName
		}
	}
	out := make([]prescription.Patient, 0, len(seen))
	for id, name := range seen {
		out = append(out, prescription.Patient{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// =========== Intake Logs ===========

type memLogs struct{ s *MemoryStore }

func (r memLogs) Create(_ context.Context, l *IntakeLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rx[l.MedicationID]; !ok {
		return ErrNotFound
	}
	l.ID = uuid.New()
	if l.TakenAt.IsZero() {
		l.TakenAt = r.s.now()
	}
	cp := *l
	r.s.logs[l.MedicationID] = append(r.s.logs[l.MedicationID], &cp)
	return nil
}

func (r memLogs) ListByMedication(_ context.Context, medicationID uuid.UUID, q LogQuery) ([]*IntakeLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*IntakeLog
	for _, l := range r.s.logs[medicationID] {
		if q.Since != nil && l.TakenAt.Before(*q.Since) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// =========== Follow-Ups ===========

type memFollowUps struct{ s *MemoryStore }

func (r memFollowUps) Create(_ context.Context, f *FollowUp) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if f.Status == "" {
		f.Status = prescription.StatusPending
	}
	if f.Status == prescription.StatusPending && f.MedicationID != nil &&
		r.existsPendingLocked(*f.MedicationID, f.Reason) {
		return ErrDuplicatePending
	}
	f.ID = uuid.New()
	f.CreatedAt = r.s.now()
	cp := *f
	r.s.followUps[f.ID] = &cp
	return nil
}

func (r memFollowUps) GetByID(_ context.Context, id uuid.UUID) (*FollowUp, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.followUps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r memFollowUps) List(_ context.Context, filter FollowUpFilter) ([]*FollowUp, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*FollowUp
	for _, f := range r.s.followUps {
		switch {
		case filter.PatientID != nil && f.PatientID != *filter.PatientID,
			filter.MedicationID != nil && (f.MedicationID == nil || *f.MedicationID != *filter.MedicationID),
			filter.Status != "" && f.Status != filter.Status,
			filter.Reason != "" && f.Reason != filter.Reason:
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Status == prescription.StatusPending, out[j].Status == prescription.StatusPending
		if pi != pj {
			return pi
		}
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r memFollowUps) SetStatus(_ context.Context, id uuid.UUID, from, to prescription.Status, at time.Time) (*FollowUp, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.followUps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if f.Status != from {
		return nil, ErrStatusConflict
	}
	f.Status = to
	f.CompletedAt = &at
	cp := *f
	return &cp, nil
}

func (r memFollowUps) CountPending(_ context.Context, medicationID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, f := range r.s.followUps {
		if f.Status == prescription.StatusPending && f.MedicationID != nil && *f.MedicationID == medicationID {
			n++
		}
	}
	return n, nil
}

func (r memFollowUps) ExistsPending(_ context.Context, medicationID uuid.UUID, reason prescription.Reason) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.existsPendingLocked(medicationID, reason), nil
}

func (r memFollowUps) existsPendingLocked(medicationID uuid.UUID, reason prescription.Reason) bool {
	for _, f := range r.s.followUps {
		if f.Status == prescription.StatusPending && f.Reason == reason &&
			f.MedicationID != nil && *f.MedicationID == medicationID {
			return true
		}
	}
	return false
}
