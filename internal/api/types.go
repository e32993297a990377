package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/appointment-scheduling/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID *uuid.UUID `json:"patient_id"`
	DoctorID  *uuid.UUID `json:"doctor_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Reason    string     `json:"reason"`
	Status    string     `json:"status"`
}

type AppointmentResponse struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	DoctorID  *uuid.UUID `json:"doctor_id"`
	StartTime string     `json:"start_time"`
	EndTime   string     `json:"end_time"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason"`
	CreatedAt string     `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		StartTime: appointment.FormatTimestamp(a.Start),
		EndTime:   appointment.FormatTimestamp(a.End),
		Status:    string(a.Status),
		Reason:    a.Reason,
		CreatedAt: appointment.FormatTimestamp(a.CreatedAt),
	}
}

type SlotResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type WindowResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type AvailabilityResponse struct {
	Date        string         `json:"date"`
	Doctor      uuid.UUID      `json:"doctor"`
	SlotMinutes int            `json:"slot_minutes"`
	WindowUTC   WindowResponse `json:"window_utc"`
	Available   []SlotResponse `json:"available"`
}

func toAvailabilityResponse(av *appointment.Availability) AvailabilityResponse {
	slots := make([]SlotResponse, 0, len(av.Slots))
	for _, s := range av.Slots {
		slots = append(slots, SlotResponse{
			StartTime: appointment.FormatTimestamp(s.Start),
			EndTime:   appointment.FormatTimestamp(s.End),
		})
	}
	return AvailabilityResponse{
		Date:        av.Date,
		Doctor:      av.DoctorID,
		SlotMinutes: av.SlotMinutes,
		WindowUTC: WindowResponse{
			Start: appointment.FormatTimestamp(av.Window.Start),
			End:   appointment.FormatTimestamp(av.Window.End),
		},
		Available: slots,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}
