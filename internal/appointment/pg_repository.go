package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATEs that mean another transaction got to the doctor's calendar first.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgExclusionViolation   = "23P01"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, doctor_id, start_time, end_time, status, reason, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var doctorID *uuid.UUID

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&doctorID,
		&a.Start,
		&a.End,
		&a.Status,
		&a.Reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.DoctorID = doctorID
	a.Start = a.Start.UTC()
	a.End = a.End.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// classifyTxError maps lost races to ErrConcurrentWrite and leaves other
// errors untouched.
func classifyTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgExclusionViolation:
			return fmt.Errorf("%w: sqlstate %s", ErrConcurrentWrite, pgErr.Code)
		}
	}
	return err
}

// pgStore runs appointment statements on a pool or inside a transaction.
type pgStore struct {
	q querier
}

func (s pgStore) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, window Interval) ([]Appointment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status <> 'CANCELLED'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, doctorID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s pgStore) InsertAppointment(ctx context.Context, a *Appointment) error {
	id := uuid.New()

	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, start_time, end_time, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, a.DoctorID, a.Start, a.End, a.Status, a.Reason)

	saved, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *saved
	return nil
}

func (s pgStore) UpdateAppointment(ctx context.Context, a *Appointment, expectedUpdatedAt time.Time) error {
	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET patient_id = $2,
		    doctor_id = $3,
		    start_time = $4,
		    end_time = $5,
		    status = $6,
		    reason = $7,
		    updated_at = clock_timestamp()
		WHERE id = $1
		  AND updated_at = $8
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, a.Start, a.End, a.Status, a.Reason, expectedUpdatedAt)

	saved, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: appointment %s changed since read", ErrConcurrentWrite, a.ID)
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	*a = *saved
	return nil
}

// Interface methods

func (r *PgRepository) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, window Interval) ([]Appointment, error) {
	return pgStore{q: r.pool}.ListActiveByDoctor(ctx, doctorID, window)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, q Query) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if q.DoctorID != nil {
		add("doctor_id = $%d", *q.DoctorID)
	}
	if q.PatientID != nil {
		add("patient_id = $%d", *q.PatientID)
	}
	if q.From != nil {
		add("start_time >= $%d", *q.From)
	}
	if q.Before != nil {
		add("start_time < $%d", *q.Before)
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit, q.Offset)
	sql += fmt.Sprintf(` ORDER BY start_time DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// WithDoctorTx opens a serializable transaction and, for a doctor-scoped
// unit, takes a transaction-level advisory lock keyed by the doctor id
// before fn runs.
func (r *PgRepository) WithDoctorTx(ctx context.Context, doctorID *uuid.UUID, fn func(ctx context.Context, s Store) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if doctorID != nil {
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, doctorID.String())
		if err != nil {
			return classifyTxError(fmt.Errorf("doctor advisory lock: %w", err))
		}
	}

	if err := fn(ctx, pgStore{q: tx}); err != nil {
		return classifyTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyTxError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Directory

func (r *PgRepository) IsDoctor(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.hasRole(ctx, id, RoleDoctor)
}

func (r *PgRepository) IsPatient(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.hasRole(ctx, id, RolePatient)
}

func (r *PgRepository) hasRole(ctx context.Context, id uuid.UUID, role Role) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = $2)
	`, id, role).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *PgRepository) AssignedDoctor(ctx context.Context, patientID uuid.UUID) (*uuid.UUID, error) {
	var doctorID *uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT assigned_doctor_id
		FROM patient_profiles
		WHERE user_id = $1
	`, patientID).Scan(&doctorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doctorID, nil
}

// Audit

func (r *PgRepository) RecordEvent(ctx context.Context, ev AuditEvent) error {
	payload, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	var actorID, objectID *uuid.UUID
	if ev.ActorID != uuid.Nil {
		actorID = &ev.ActorID
	}
	if ev.ObjectID != uuid.Nil {
		objectID = &ev.ObjectID
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, role, action, object_type, object_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, actorID, ev.Role, ev.Action, ev.ObjectType, objectID, payload, nullableTime(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
