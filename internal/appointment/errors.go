package appointment

import (
	"errors"
	"fmt"
)

// Client-facing errors. Callers match them with errors.Is.
var (
	ErrInvalidInterval       = errors.New("end must be after start")
	ErrInvalidDate           = errors.New("invalid date, use YYYY-MM-DD")
	ErrInvalidSlotParameters = errors.New("invalid slot parameters")
	ErrUnknownDoctor         = errors.New("doctor not found")
	ErrUnknownPatient        = errors.New("patient not found")
	ErrInvalidStatus         = errors.New("invalid appointment status")
	ErrNotFound              = errors.New("appointment not found")
	ErrForbidden             = errors.New("forbidden")
	ErrRestrictedFieldUpdate = errors.New("role may only update status")
	ErrForbiddenTransition   = errors.New("status transition not allowed for role")
	ErrTerminalState         = errors.New("completed appointments cannot be changed")
	ErrSchedulingConflict    = errors.New("doctor already has an appointment in that time range")
	ErrUnknownField          = errors.New("unknown field")
)

var (
	// ErrConcurrentWrite marks a check-then-write unit that lost a race with
	// another writer for the same doctor. The service retries once on it.
	ErrConcurrentWrite = errors.New("concurrent write for doctor")

	// ErrCorruptAppointment is returned when storage hands back an
	// appointment that violates end > start.
	ErrCorruptAppointment = errors.New("stored appointment has invalid interval")
)

// FieldError ties a client error to the request field it concerns.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Err.Error())
}

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

// FieldOf returns the field name attached to err, if any.
func FieldOf(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	return ""
}
