package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

type Role string

const (
	RolePatient         Role = "PATIENT"
	RoleDoctor          Role = "DOCTOR"
	RoleReceptionist    Role = "RECEPTIONIST"
	RolePracticeManager Role = "PRACTICE_MANAGER"
)

// Actor is the caller of an operation, resolved by the surrounding API layer.
type Actor struct {
	ID        uuid.UUID
	Role      Role
	Superuser bool
}

// IsStaff is true for receptionists, practice managers and superusers.
func (a Actor) IsStaff() bool {
	return a.Superuser || a.Role == RoleReceptionist || a.Role == RolePracticeManager
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  *uuid.UUID
	Start     time.Time
	End       time.Time
	Status    Status
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interval returns the appointment's time range. A stored appointment with
// end <= start is reported as ErrCorruptAppointment.
func (a *Appointment) Interval() (Interval, error) {
	iv, err := NewInterval(a.Start, a.End)
	if err != nil {
		return Interval{}, ErrCorruptAppointment
	}
	return iv, nil
}

// HasDoctor reports whether the appointment is placed on a doctor's calendar.
func (a *Appointment) HasDoctor() bool {
	return a.DoctorID != nil && *a.DoctorID != uuid.Nil
}

// VisibleTo applies the read scope shared by list, detail and update.
func (a *Appointment) VisibleTo(actor Actor) bool {
	switch {
	case actor.IsStaff():
		return true
	case actor.Role == RoleDoctor:
		return a.DoctorID != nil && *a.DoctorID == actor.ID
	case actor.Role == RolePatient:
		return a.PatientID == actor.ID
	}
	return false
}

// AuditEvent is what the service hands to the audit sink after a write.
type AuditEvent struct {
	ActorID    uuid.UUID
	Role       Role
	Action     string
	ObjectType string
	ObjectID   uuid.UUID
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	ActionAppointmentCreate = "APPOINTMENT_CREATE"
	ActionAppointmentUpdate = "APPOINTMENT_UPDATE"

	objectTypeAppointment = "appointment"
)
