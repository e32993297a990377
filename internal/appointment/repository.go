package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the view of storage available inside a doctor-scoped
// transaction. Reads and writes through one Store commit or roll back
// together.
type Store interface {
	ActiveLister

	// InsertAppointment assigns ID, CreatedAt and UpdatedAt.
	InsertAppointment(ctx context.Context, a *Appointment) error

	// UpdateAppointment writes a only if the stored row still carries
	// expectedUpdatedAt, and returns ErrConcurrentWrite otherwise.
	UpdateAppointment(ctx context.Context, a *Appointment, expectedUpdatedAt time.Time) error
}

// Query selects appointments for listing. Nil fields do not filter.
type Query struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	From      *time.Time // start >= From
	Before    *time.Time // start < Before
	Limit     int
	Offset    int
}

// Repository contains all storage interactions needed by the service.
type Repository interface {
	ActiveLister

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListAppointments orders by start time, newest first.
	ListAppointments(ctx context.Context, q Query) ([]Appointment, error)

	// WithDoctorTx runs fn in one serializable transaction. When doctorID is
	// set, writers for the same doctor are serialized for the duration.
	// Serialization failures surface as ErrConcurrentWrite.
	WithDoctorTx(ctx context.Context, doctorID *uuid.UUID, fn func(ctx context.Context, s Store) error) error
}

// Directory answers identity questions owned by the accounts side.
type Directory interface {
	DoctorChecker
	IsPatient(ctx context.Context, id uuid.UUID) (bool, error)

	// AssignedDoctor returns nil when the patient has no assigned doctor.
	AssignedDoctor(ctx context.Context, patientID uuid.UUID) (*uuid.UUID, error)
}

type AuditSink interface {
	RecordEvent(ctx context.Context, ev AuditEvent) error
}
