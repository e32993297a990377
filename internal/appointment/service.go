package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/appointment-scheduling/internal/metrics"
	redisclient "github.com/clinicflow/appointment-scheduling/internal/redis"
)

const (
	opCreate       = "create"
	opUpdate       = "update"
	opAvailability = "availability"

	defaultListLimit = 50
	maxListLimit     = 200
)

// Deps wires the service to its collaborators. Metrics, Logger and Now are
// optional.
type Deps struct {
	Repo      Repository
	Directory Directory
	Audit     AuditSink
	Locker    redisclient.Locker
	Metrics   metrics.Recorder
	Logger    *zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	repo    Repository
	dir     Directory
	audit   AuditSink
	locker  redisclient.Locker
	slots   *SlotGenerator
	metrics metrics.Recorder
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:    d.Repo,
		dir:     d.Directory,
		audit:   d.Audit,
		locker:  d.Locker,
		slots:   NewSlotGenerator(d.Directory, d.Repo),
		metrics: d.Metrics,
		log:     zerolog.Nop(),
		now:     d.Now,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if d.Logger != nil {
		s.log = d.Logger.With().Str("component", "appointment").Logger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateRequest carries the caller-supplied fields of a new appointment.
// For patients, PatientID, DoctorID and Status are ignored.
type CreateRequest struct {
	PatientID uuid.UUID
	DoctorID  *uuid.UUID
	Start     time.Time
	End       time.Time
	Reason    string
	Status    Status
}

// CreateAppointment books an appointment. Patients book for themselves
// with their assigned doctor; staff book for anyone.
func (s *Service) CreateAppointment(ctx context.Context, actor Actor, req CreateRequest) (*Appointment, error) {
	started := s.now()

	var created *Appointment
	err := s.withRetry(ctx, opCreate, func(ctx context.Context) error {
		appt, err := s.newAppointment(ctx, actor, req)
		if err != nil {
			return err
		}

		err = s.commit(ctx, appt.DoctorID, func(ctx context.Context, st Store) error {
			if appt.HasDoctor() {
				iv, _ := appt.Interval()
				hit, err := NewConflictChecker(st).HasConflict(ctx, *appt.DoctorID, iv, uuid.Nil)
				if err != nil {
					return err
				}
				if hit {
					return fieldErr(string(FieldDoctorID), ErrSchedulingConflict)
				}
			}
			return st.InsertAppointment(ctx, appt)
		})
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	s.observe(opCreate, err, started)
	if err != nil {
		return nil, err
	}

	s.metrics.AppointmentWritten(opCreate, string(created.Status))
	s.recordEvent(ctx, actor, ActionAppointmentCreate, created)
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("actor_id", actor.ID.String()).
		Str("status", string(created.Status)).
		Msg("appointment created")

	return created, nil
}

func (s *Service) newAppointment(ctx context.Context, actor Actor, req CreateRequest) (*Appointment, error) {
	appt := &Appointment{
		Reason: req.Reason,
		Status: StatusRequested,
	}

	switch {
	case actor.IsStaff():
		if err := s.requirePatient(ctx, req.PatientID); err != nil {
			return nil, err
		}
		if req.DoctorID != nil {
			if err := s.requireDoctor(ctx, *req.DoctorID); err != nil {
				return nil, err
			}
		}
		if req.Status != "" {
			if !req.Status.Valid() {
				return nil, fieldErr(string(FieldStatus), ErrInvalidStatus)
			}
			appt.Status = req.Status
		}
		appt.PatientID = req.PatientID
		appt.DoctorID = req.DoctorID

	case actor.Role == RolePatient:
		doctorID, err := s.dir.AssignedDoctor(ctx, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve assigned doctor: %w", err)
		}
		appt.PatientID = actor.ID
		appt.DoctorID = doctorID

	default:
		return nil, ErrForbidden
	}

	iv, err := NewInterval(req.Start, req.End)
	if err != nil {
		return nil, fieldErr(string(FieldEnd), err)
	}
	appt.Start, appt.End = iv.Start, iv.End

	return appt, nil
}

// Changes lists the fields an update touches. Nil means unchanged; a
// non-nil DoctorID with Valid false clears the doctor.
type Changes struct {
	Start     *time.Time
	End       *time.Time
	Status    *Status
	Reason    *string
	PatientID *uuid.UUID
	DoctorID  *uuid.NullUUID
}

// Fields returns the names of the fields present in c.
func (c Changes) Fields() []Field {
	var fields []Field
	if c.Start != nil {
		fields = append(fields, FieldStart)
	}
	if c.End != nil {
		fields = append(fields, FieldEnd)
	}
	if c.Status != nil {
		fields = append(fields, FieldStatus)
	}
	if c.Reason != nil {
		fields = append(fields, FieldReason)
	}
	if c.PatientID != nil {
		fields = append(fields, FieldPatientID)
	}
	if c.DoctorID != nil {
		fields = append(fields, FieldDoctorID)
	}
	return fields
}

// UpdateAppointment applies changes on behalf of actor. Nothing is written
// unless every check passes.
func (s *Service) UpdateAppointment(ctx context.Context, actor Actor, id uuid.UUID, changes Changes) (*Appointment, error) {
	started := s.now()

	var updated *Appointment
	err := s.withRetry(ctx, opUpdate, func(ctx context.Context) error {
		cur, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		next, recheck, err := s.applyChanges(ctx, actor, cur, changes)
		if err != nil {
			return err
		}
		if next == cur {
			updated = cur
			return nil
		}

		var lockDoctor *uuid.UUID
		if recheck {
			lockDoctor = next.DoctorID
		}
		err = s.commit(ctx, lockDoctor, func(ctx context.Context, st Store) error {
			if recheck {
				iv, _ := next.Interval()
				hit, err := NewConflictChecker(st).HasConflict(ctx, *next.DoctorID, iv, next.ID)
				if err != nil {
					return err
				}
				if hit {
					return fieldErr(string(FieldDoctorID), ErrSchedulingConflict)
				}
			}
			return st.UpdateAppointment(ctx, next, cur.UpdatedAt)
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	})
	s.observe(opUpdate, err, started)
	if err != nil {
		return nil, err
	}

	if len(changes.Fields()) > 0 {
		s.metrics.AppointmentWritten(opUpdate, string(updated.Status))
		s.recordEvent(ctx, actor, ActionAppointmentUpdate, updated)
		s.log.Info().
			Str("appointment_id", updated.ID.String()).
			Str("actor_id", actor.ID.String()).
			Str("status", string(updated.Status)).
			Msg("appointment updated")
	}

	return updated, nil
}

// applyChanges validates changes against cur and returns the resulting
// appointment. recheck is true when the result must be conflict-checked
// against the doctor's calendar. An empty change set returns cur itself.
func (s *Service) applyChanges(ctx context.Context, actor Actor, cur *Appointment, changes Changes) (*Appointment, bool, error) {
	fields := changes.Fields()
	if err := checkWritableFields(actor, fields); err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return cur, false, nil
	}

	if cur.Status == StatusCompleted {
		for _, f := range fields {
			if f != FieldStatus {
				return nil, false, fieldErr(string(f), ErrTerminalState)
			}
		}
	}

	next := *cur

	if changes.PatientID != nil {
		if err := s.requirePatient(ctx, *changes.PatientID); err != nil {
			return nil, false, err
		}
		next.PatientID = *changes.PatientID
	}
	if changes.DoctorID != nil {
		if changes.DoctorID.Valid {
			if err := s.requireDoctor(ctx, changes.DoctorID.UUID); err != nil {
				return nil, false, err
			}
			doctorID := changes.DoctorID.UUID
			next.DoctorID = &doctorID
		} else {
			next.DoctorID = nil
		}
	}
	if changes.Reason != nil {
		next.Reason = *changes.Reason
	}

	if changes.Start != nil || changes.End != nil {
		if changes.Start != nil {
			next.Start = *changes.Start
		}
		if changes.End != nil {
			next.End = *changes.End
		}
		iv, err := NewInterval(next.Start, next.End)
		if err != nil {
			return nil, false, fieldErr(string(FieldEnd), err)
		}
		next.Start, next.End = iv.Start, iv.End
	}

	if changes.Status != nil {
		if err := Transition(actor, cur.Status, *changes.Status); err != nil {
			return nil, false, err
		}
		next.Status = *changes.Status
	}

	slotChanged := changes.Start != nil || changes.End != nil || changes.DoctorID != nil
	reopened := cur.Status == StatusCancelled && next.Status != StatusCancelled
	recheck := (slotChanged || reopened) && next.HasDoctor() && next.Status != StatusCancelled

	return &next, recheck, nil
}

// GetAppointment returns one appointment the actor is allowed to see.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.loadVisible(ctx, actor, id)
}

func (s *Service) loadVisible(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !appt.VisibleTo(actor) {
		return nil, ErrForbidden
	}
	if _, err := appt.Interval(); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", appt.ID, err)
	}
	return appt, nil
}

// ListFilter narrows a listing. PatientID and DoctorID only apply to staff.
type ListFilter struct {
	Upcoming  bool
	DateFrom  string
	DateTo    string
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Limit     int
	Offset    int
}

// ListAppointments returns the appointments visible to actor, newest start
// time first.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f ListFilter) ([]Appointment, error) {
	q := Query{Limit: f.Limit, Offset: f.Offset}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	switch {
	case actor.IsStaff():
		q.PatientID = f.PatientID
		q.DoctorID = f.DoctorID
	case actor.Role == RoleDoctor:
		id := actor.ID
		q.DoctorID = &id
	case actor.Role == RolePatient:
		id := actor.ID
		q.PatientID = &id
	default:
		return []Appointment{}, nil
	}

	if f.DateFrom != "" {
		d, err := ParseDay(f.DateFrom)
		if err != nil {
			return nil, fieldErr("date_from", err)
		}
		q.From = &d
	}
	if f.DateTo != "" {
		d, err := ParseDay(f.DateTo)
		if err != nil {
			return nil, fieldErr("date_to", err)
		}
		before := d.AddDate(0, 0, 1)
		q.Before = &before
	}
	if f.Upcoming {
		now := s.now().UTC()
		if q.From == nil || q.From.Before(now) {
			q.From = &now
		}
	}

	list, err := s.repo.ListAppointments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if list == nil {
		list = []Appointment{}
	}
	return list, nil
}

// Availability is the free grid of one doctor on one day.
type Availability struct {
	Date        string
	DoctorID    uuid.UUID
	SlotMinutes int
	Window      Interval
	Slots       []Interval
}

// Availability lists free 15 minute slots between 09:00 and 17:00 UTC.
// Doctors may only query their own calendar.
func (s *Service) Availability(ctx context.Context, actor Actor, doctorID uuid.UUID, day string) (*Availability, error) {
	started := s.now()

	if !actor.IsStaff() && actor.Role == RoleDoctor && actor.ID != doctorID {
		s.observe(opAvailability, ErrForbidden, started)
		return nil, ErrForbidden
	}

	params := DefaultSlotParams()
	slots, err := s.slots.AvailableSlots(ctx, doctorID, day, params)
	s.observe(opAvailability, err, started)
	if err != nil {
		return nil, err
	}

	d, _ := ParseDay(day)
	window, _ := params.Window(d)

	return &Availability{
		Date:        day,
		DoctorID:    doctorID,
		SlotMinutes: int(params.Length / time.Minute),
		Window:      window,
		Slots:       slots,
	}, nil
}

func (s *Service) requireDoctor(ctx context.Context, id uuid.UUID) error {
	ok, err := s.dir.IsDoctor(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve doctor: %w", err)
	}
	if !ok {
		return fieldErr(string(FieldDoctorID), ErrUnknownDoctor)
	}
	return nil
}

func (s *Service) requirePatient(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fieldErr(string(FieldPatientID), ErrUnknownPatient)
	}
	ok, err := s.dir.IsPatient(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve patient: %w", err)
	}
	if !ok {
		return fieldErr(string(FieldPatientID), ErrUnknownPatient)
	}
	return nil
}

// commit runs fn in one transaction. With a doctor set, the unit holds the
// doctor's lock for its whole duration.
func (s *Service) commit(ctx context.Context, doctorID *uuid.UUID, fn func(ctx context.Context, st Store) error) error {
	if doctorID == nil || *doctorID == uuid.Nil {
		return s.repo.WithDoctorTx(ctx, nil, fn)
	}

	err := s.locker.WithDoctorLock(ctx, *doctorID, func(lockCtx context.Context) error {
		return s.repo.WithDoctorTx(lockCtx, doctorID, fn)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%w: %v", ErrConcurrentWrite, err)
	}
	return err
}

// withRetry runs fn and repeats it once if it lost a race. A second loss is
// reported as a scheduling conflict.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if !errors.Is(err, ErrConcurrentWrite) {
		s.countConflict(op, err)
		return err
	}

	s.metrics.WriteRetried(op)
	s.log.Warn().Err(err).Str("op", op).Msg("concurrent write, retrying")

	err = fn(ctx)
	if errors.Is(err, ErrConcurrentWrite) {
		err = fieldErr(string(FieldDoctorID), ErrSchedulingConflict)
	}
	s.countConflict(op, err)
	return err
}

func (s *Service) countConflict(op string, err error) {
	if errors.Is(err, ErrSchedulingConflict) {
		s.metrics.SchedulingConflict(op)
	}
}

func (s *Service) observe(op string, err error, started time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveOperation(op, outcome, s.now().Sub(started))
}

// recordEvent never fails the operation; audit errors are logged.
func (s *Service) recordEvent(ctx context.Context, actor Actor, action string, appt *Appointment) {
	ev := AuditEvent{
		ActorID:    actor.ID,
		Role:       actor.Role,
		Action:     action,
		ObjectType: objectTypeAppointment,
		ObjectID:   appt.ID,
		Metadata:   map[string]any{"status": string(appt.Status)},
		OccurredAt: s.now().UTC(),
	}

	if err := s.audit.RecordEvent(ctx, ev); err != nil {
		s.metrics.AuditFailed()
		s.log.Error().Err(err).
			Str("action", action).
			Str("appointment_id", appt.ID.String()).
			Msg("failed to record audit event")
	}
}
