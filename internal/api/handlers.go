package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/clinicflow/appointment-scheduling/internal/appointment"
)

// AppointmentService is the part of appointment.Service the handlers use.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, actor appointment.Actor, req appointment.CreateRequest) (*appointment.Appointment, error)
	UpdateAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID, changes appointment.Changes) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, actor appointment.Actor, f appointment.ListFilter) ([]appointment.Appointment, error)
	Availability(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, day string) (*appointment.Availability, error)
}

// reasonPolicy strips all markup from free-text reasons.
var reasonPolicy = bluemonday.StrictPolicy()

func cleanReason(s string) string {
	return strings.TrimSpace(reasonPolicy.Sanitize(s))
}

type handlers struct {
	svc AppointmentService
	log zerolog.Logger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "", "could not parse JSON")
		return
	}
	if req.StartTime.IsZero() {
		writeError(w, http.StatusBadRequest, "required", "start_time", "start_time is required")
		return
	}
	if req.EndTime.IsZero() {
		writeError(w, http.StatusBadRequest, "required", "end_time", "end_time is required")
		return
	}

	in := appointment.CreateRequest{
		DoctorID: req.DoctorID,
		Start:    req.StartTime,
		End:      req.EndTime,
		Reason:   cleanReason(req.Reason),
		Status:   appointment.Status(req.Status),
	}
	if req.PatientID != nil {
		in.PatientID = *req.PatientID
	}

	appt, err := h.svc.CreateAppointment(r.Context(), actor, in)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "", "could not parse JSON")
		return
	}

	changes, err := decodeChanges(actor, body)
	if err != nil {
		if errors.Is(err, appointment.ErrRestrictedFieldUpdate) {
			h.handleServiceError(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_field", appointment.FieldOf(err), err.Error())
		return
	}

	appt, err := h.svc.UpdateAppointment(r.Context(), actor, id, changes)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// decodeChanges maps a PATCH body onto appointment.Changes. Absent keys are
// left unchanged; "doctor_id": null clears the doctor. Every key is checked
// against the actor's write scope before any value is parsed. Keys are visited
// in sorted order so the reported field is stable.
func decodeChanges(actor appointment.Actor, body map[string]json.RawMessage) (appointment.Changes, error) {
	var c appointment.Changes

	keys := make([]string, 0, len(body))
	for key := range body {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := appointment.CheckWritableKey(actor, key); err != nil {
			return c, err
		}
	}

	for _, key := range keys {
		raw := body[key]
		isNull := bytes.Equal(bytes.TrimSpace(raw), []byte("null"))

		switch appointment.Field(key) {
		case appointment.FieldStart:
			var t time.Time
			if isNull || json.Unmarshal(raw, &t) != nil {
				return c, invalidValue(key, "must be an RFC 3339 timestamp")
			}
			c.Start = &t
		case appointment.FieldEnd:
			var t time.Time
			if isNull || json.Unmarshal(raw, &t) != nil {
				return c, invalidValue(key, "must be an RFC 3339 timestamp")
			}
			c.End = &t
		case appointment.FieldStatus:
			var s string
			if isNull || json.Unmarshal(raw, &s) != nil {
				return c, invalidValue(key, "must be a string")
			}
			st := appointment.Status(s)
			c.Status = &st
		case appointment.FieldReason:
			var s string
			if !isNull && json.Unmarshal(raw, &s) != nil {
				return c, invalidValue(key, "must be a string")
			}
			s = cleanReason(s)
			c.Reason = &s
		case appointment.FieldPatientID:
			var id uuid.UUID
			if isNull || json.Unmarshal(raw, &id) != nil {
				return c, invalidValue(key, "must be a UUID")
			}
			c.PatientID = &id
		case appointment.FieldDoctorID:
			var id uuid.NullUUID
			if err := json.Unmarshal(raw, &id); err != nil {
				return c, invalidValue(key, "must be a UUID or null")
			}
			c.DoctorID = &id
		}
	}
	return c, nil
}

func invalidValue(key, msg string) error {
	return &appointment.FieldError{Field: key, Err: errors.New(msg)}
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), actor, id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	q := r.URL.Query()

	f := appointment.ListFilter{
		Upcoming: isTruthy(q.Get("upcoming")),
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
	}

	var err error
	if f.PatientID, err = optionalUUID(q.Get("patient")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_field", "patient", "invalid patient id")
		return
	}
	if f.DoctorID, err = optionalUUID(q.Get("doctor")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_field", "doctor", "invalid doctor id")
		return
	}
	if f.Limit, err = optionalInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_field", "limit", "limit must be an integer")
		return
	}
	if f.Offset, err = optionalInt(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_field", "offset", "offset must be an integer")
		return
	}

	list, err := h.svc.ListAppointments(r.Context(), actor, f)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toAppointmentResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	q := r.URL.Query()

	day := q.Get("date")
	if day == "" {
		writeError(w, http.StatusBadRequest, "required", "date", "date is required (YYYY-MM-DD)")
		return
	}
	doctorStr := q.Get("doctor")
	if doctorStr == "" {
		writeError(w, http.StatusBadRequest, "required", "doctor", "doctor is required")
		return
	}
	doctorID, err := uuid.Parse(doctorStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_field", "doctor", "doctor must be a valid UUID")
		return
	}

	av, err := h.svc.Availability(r.Context(), actor, doctorID, day)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAvailabilityResponse(av))
}

func (h *handlers) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	field := appointment.FieldOf(err)

	switch {
	case errors.Is(err, appointment.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", field, err.Error())
	case errors.Is(err, appointment.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", field, err.Error())
	case errors.Is(err, appointment.ErrInvalidSlotParameters):
		writeError(w, http.StatusBadRequest, "invalid_slot_parameters", field, err.Error())
	case errors.Is(err, appointment.ErrUnknownDoctor):
		writeError(w, http.StatusBadRequest, "unknown_doctor", field, err.Error())
	case errors.Is(err, appointment.ErrUnknownPatient):
		writeError(w, http.StatusBadRequest, "unknown_patient", field, err.Error())
	case errors.Is(err, appointment.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", field, err.Error())
	case errors.Is(err, appointment.ErrRestrictedFieldUpdate):
		writeError(w, http.StatusBadRequest, "restricted_field_update", field, err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", field, err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", field, "you do not have access to this resource")
	case errors.Is(err, appointment.ErrForbiddenTransition):
		writeError(w, http.StatusForbidden, "forbidden_transition", field, err.Error())
	case errors.Is(err, appointment.ErrTerminalState):
		writeError(w, http.StatusConflict, "terminal_state", field, err.Error())
	case errors.Is(err, appointment.ErrSchedulingConflict):
		writeError(w, http.StatusConflict, "scheduling_conflict", field, err.Error())
	default:
		h.log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Msg("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal_error", "", "internal server error")
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return n, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, field, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Field:   field,
		Details: details,
	})
}
