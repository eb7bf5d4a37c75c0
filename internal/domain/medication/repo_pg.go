package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const (
	uniqueViolation      = "23505"
	pendingFollowUpIndex = "idx_follow_ups_pending"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const rxCols = `id, patient_id, patient_name, prescribed_by, name, dosage, frequency,
	total_quantity, remaining_quantity, refill_threshold,
	start_date, end_date, next_due, created_at, updated_at`

func (r *prescriptionRepoPG) scanRx(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.PatientName, &p.PrescribedBy, &p.Name, &p.Dosage, &p.Frequency,
		&p.TotalQuantity, &p.RemainingQuantity, &p.RefillThreshold,
		&p.StartDate, &p.EndDate, &p.NextDue, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, patient_id, patient_name, prescribed_by, name, dosage, frequency,
			total_quantity, remaining_quantity, refill_threshold, start_date, end_date, next_due)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PatientName, p.PrescribedBy, p.Name, p.Dosage, p.Frequency,
		p.TotalQuantity, p.RemainingQuantity, p.RefillThreshold, p.StartDate, p.EndDate, p.NextDue,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.scanRx(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescriptions WHERE id = $1`, id))
}

func (r *prescriptionRepoPG) List(ctx context.Context, filter PrescriptionFilter) ([]*Prescription, error) {
	sql := `SELECT ` + rxCols + ` FROM prescriptions`
	var args []interface{}
	if filter.PatientID != nil {
		sql += ` WHERE patient_id = $1`
		args = append(args, *filter.PatientID)
	}
	sql += ` ORDER BY created_at, id`

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := r.scanRx(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) Decrement(ctx context.Context, id uuid.UUID, n int) (*Prescription, error) {
	p, err := r.scanRx(r.conn(ctx).QueryRow(ctx, `
		UPDATE prescriptions SET remaining_quantity = remaining_quantity - $2, updated_at = NOW()
		WHERE id = $1 AND remaining_quantity >= $2
		RETURNING `+rxCols, id, n))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInsufficientQuantity
	}
	return p, err
}

func (r *prescriptionRepoPG) Refill(ctx context.Context, id uuid.UUID, n int) (*Prescription, error) {
	return r.scanRx(r.conn(ctx).QueryRow(ctx, `
		UPDATE prescriptions SET
			total_quantity = GREATEST(total_quantity, remaining_quantity + $2),
			remaining_quantity = remaining_quantity + $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+rxCols, id, n))
}

func (r *prescriptionRepoPG) Patients(ctx context.Context) ([]prescription.Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id, MAX(patient_name) FROM prescriptions
		GROUP BY patient_id ORDER BY MAX(patient_name), patient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []prescription.Patient
	for rows.Next() {
		var p prescription.Patient
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =========== Intake Log Repository ===========

type intakeLogRepoPG struct{ pool *pgxpool.Pool }

func NewIntakeLogRepoPG(pool *pgxpool.Pool) IntakeLogRepository {
	return &intakeLogRepoPG{pool: pool}
}

func (r *intakeLogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *intakeLogRepoPG) Create(ctx context.Context, l *IntakeLog) error {
	l.ID = uuid.New()
	if l.TakenAt.IsZero() {
		l.TakenAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO intake_logs (id, medication_id, taken_at, doses_taken, notes)
		VALUES ($1,$2,$3,$4,$5)`,
		l.ID, l.MedicationID, l.TakenAt, l.DosesTaken, l.Notes)
	return err
}

func (r *intakeLogRepoPG) ListByMedication(ctx context.Context, medicationID uuid.UUID, q LogQuery) ([]*IntakeLog, error) {
	sql := `SELECT id, medication_id, taken_at, doses_taken, notes FROM intake_logs WHERE medication_id = $1`
	args := []interface{}{medicationID}
	if q.Since != nil {
		args = append(args, *q.Since)
		sql += fmt.Sprintf(` AND taken_at >= $%d`, len(args))
	}
	sql += ` ORDER BY taken_at DESC, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*IntakeLog
	for rows.Next() {
		var l IntakeLog
		if err := rows.Scan(&l.ID, &l.MedicationID, &l.TakenAt, &l.DosesTaken, &l.Notes); err != nil {
			return nil, err
		}
		items = append(items, &l)
	}
	return items, rows.Err()
}

// =========== Follow-Up Repository ===========

type followUpRepoPG struct{ pool *pgxpool.Pool }

func NewFollowUpRepoPG(pool *pgxpool.Pool) FollowUpRepository {
	return &followUpRepoPG{pool: pool}
}

func (r *followUpRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const fuCols = `id, medication_id, patient_id, created_by, reason, status, due_at,
	notes, risk_score_snapshot, created_at, completed_at`

func (r *followUpRepoPG) scanFU(row pgx.Row) (*FollowUp, error) {
	var f FollowUp
	err := row.Scan(&f.ID, &f.MedicationID, &f.PatientID, &f.CreatedBy, &f.Reason, &f.Status, &f.DueAt,
		&f.Notes, &f.RiskScoreSnapshot, &f.CreatedAt, &f.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (r *followUpRepoPG) Create(ctx context.Context, f *FollowUp) error {
	f.ID = uuid.New()
	if f.Status == "" {
		f.Status = prescription.StatusPending
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO follow_ups (id, medication_id, patient_id, created_by, reason, status, due_at, notes, risk_score_snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		f.ID, f.MedicationID, f.PatientID, f.CreatedBy, f.Reason, f.Status, f.DueAt, f.Notes, f.RiskScoreSnapshot,
	).Scan(&f.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == pendingFollowUpIndex {
		return ErrDuplicatePending
	}
	return err
}

func (r *followUpRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FollowUp, error) {
	return r.scanFU(r.conn(ctx).QueryRow(ctx, `SELECT `+fuCols+` FROM follow_ups WHERE id = $1`, id))
}

func (r *followUpRepoPG) List(ctx context.Context, filter FollowUpFilter) ([]*FollowUp, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.PatientID != nil {
		add("patient_id = $%d", *filter.PatientID)
	}
	if filter.MedicationID != nil {
		add("medication_id = $%d", *filter.MedicationID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Reason != "" {
		add("reason = $%d", filter.Reason)
	}

	sql := `SELECT ` + fuCols + ` FROM follow_ups`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	// Pending first, then soonest due.
	sql += ` ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, due_at, id`

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FollowUp
	for rows.Next() {
		f, err := r.scanFU(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *followUpRepoPG) SetStatus(ctx context.Context, id uuid.UUID, from, to prescription.Status, at time.Time) (*FollowUp, error) {
	f, err := r.scanFU(r.conn(ctx).QueryRow(ctx, `
		UPDATE follow_ups SET status = $3, completed_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+fuCols, id, from, to, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	return f, err
}

func (r *followUpRepoPG) CountPending(ctx context.Context, medicationID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM follow_ups WHERE medication_id = $1 AND status = 'pending'`, medicationID,
	).Scan(&n)
	return n, err
}

func (r *followUpRepoPG) ExistsPending(ctx context.Context, medicationID uuid.UUID, reason prescription.Reason) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM follow_ups
			WHERE medication_id = $1 AND reason = $2 AND status = 'pending')`,
		medicationID, reason,
	).Scan(&exists)
	return exists, err
}
