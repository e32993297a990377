package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEnumerateSlots(t *testing.T) {
	window, ok := DefaultSlotParams().Window(at(13, 0))
	if !ok {
		t.Fatal("default window should not be degenerate")
	}
	slots := EnumerateSlots(window, SlotLength)
	if len(slots) != 32 {
		t.Fatalf("slots = %d, want 32", len(slots))
	}
	if !slots[0].Start.Equal(at(9, 0)) || !slots[31].End.Equal(at(17, 0)) {
		t.Errorf("grid = %s .. %s", slots[0], slots[31])
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i].Start.Equal(slots[i-1].End) {
			t.Fatalf("slot %d does not follow slot %d", i, i-1)
		}
	}

	// A trailing partial slot is dropped.
	short := Interval{Start: at(9, 0), End: at(9, 50)}
	if got := EnumerateSlots(short, SlotLength); len(got) != 3 {
		t.Errorf("partial window slots = %d, want 3", len(got))
	}
	if got := EnumerateSlots(short, 0); got != nil {
		t.Errorf("zero length slots = %v", got)
	}
}

type stubDoctors map[uuid.UUID]bool

func (s stubDoctors) IsDoctor(_ context.Context, id uuid.UUID) (bool, error) {
	return s[id], nil
}

func TestAvailableSlots_ExcludesBookedSlots(t *testing.T) {
	repo := newMemRepo()
	doctor := repo.addDoctor()
	patient := repo.addPatient(&doctor)
	for _, b := range [][2]time.Time{{at(10, 0), at(10, 30)}, {at(11, 0), at(11, 30)}} {
		repo.put(Appointment{PatientID: patient, DoctorID: &doctor, Start: b[0], End: b[1], Status: StatusConfirmed})
	}
	// Cancelled bookings and other days never block.
	repo.put(Appointment{PatientID: patient, DoctorID: &doctor, Start: at(14, 0), End: at(15, 0), Status: StatusCancelled})
	repo.put(Appointment{PatientID: patient, DoctorID: &doctor, Start: at(9, 0).AddDate(0, 0, 1), End: at(17, 0).AddDate(0, 0, 1), Status: StatusConfirmed})

	gen := NewSlotGenerator(repo, repo)
	free, err := gen.AvailableSlots(context.Background(), doctor, "2025-03-10", DefaultSlotParams())
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(free) != 28 {
		t.Fatalf("free = %d, want 28", len(free))
	}
	if repo.listCalls != 1 {
		t.Errorf("lister calls = %d, want 1", repo.listCalls)
	}

	// Free slots plus slots overlapping a booking make up the whole grid.
	window, _ := DefaultSlotParams().Window(at(0, 0))
	busy := repo.activeByDoctor(doctor, window)
	freeSet := make(map[time.Time]bool, len(free))
	for i, s := range free {
		if i > 0 && !free[i-1].Start.Before(s.Start) {
			t.Fatal("slots are not in chronological order")
		}
		freeSet[s.Start] = true
	}
	for _, slot := range EnumerateSlots(window, SlotLength) {
		blocked, err := conflicts(busy, slot, uuid.Nil)
		if err != nil {
			t.Fatal(err)
		}
		if blocked == freeSet[slot.Start] {
			t.Errorf("slot %s: blocked=%v free=%v", slot, blocked, freeSet[slot.Start])
		}
	}
}

func TestAvailableSlots_Errors(t *testing.T) {
	repo := newMemRepo()
	doctor := repo.addDoctor()
	gen := NewSlotGenerator(stubDoctors{doctor: true}, repo)
	ctx := context.Background()

	tests := []struct {
		name      string
		doctor    uuid.UUID
		day       string
		params    SlotParams
		wantErr   error
		wantField string
	}{
		{"bad date", doctor, "2025-3-10", DefaultSlotParams(), ErrInvalidDate, "date"},
		{"zero length", doctor, "2025-03-10", SlotParams{Length: 0, StartHour: 9, EndHour: 17}, ErrInvalidSlotParameters, "slot_length"},
		{"hour out of range", doctor, "2025-03-10", SlotParams{Length: SlotLength, StartHour: 9, EndHour: 25}, ErrInvalidSlotParameters, "window"},
		{"unknown doctor", uuid.New(), "2025-03-10", DefaultSlotParams(), ErrUnknownDoctor, "doctor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gen.AvailableSlots(ctx, tt.doctor, tt.day, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if FieldOf(err) != tt.wantField {
				t.Errorf("field = %q, want %q", FieldOf(err), tt.wantField)
			}
		})
	}
	if repo.listCalls != 0 {
		t.Errorf("lister called %d times on invalid input", repo.listCalls)
	}
}

func TestAvailableSlots_DegenerateWindow(t *testing.T) {
	repo := newMemRepo()
	doctor := repo.addDoctor()
	gen := NewSlotGenerator(repo, repo)

	for _, p := range []SlotParams{
		{Length: SlotLength, StartHour: 12, EndHour: 12},
		{Length: SlotLength, StartHour: 17, EndHour: 9},
	} {
		free, err := gen.AvailableSlots(context.Background(), doctor, "2025-03-10", p)
		if err != nil {
			t.Fatalf("AvailableSlots(%+v): %v", p, err)
		}
		if free == nil || len(free) != 0 {
			t.Errorf("AvailableSlots(%+v) = %v, want empty", p, free)
		}
	}
}

func TestConflicts(t *testing.T) {
	self := uuid.New()
	existing := []Appointment{
		{ID: self, Start: at(10, 0), End: at(10, 30), Status: StatusConfirmed},
		{ID: uuid.New(), Start: at(11, 0), End: at(11, 30), Status: StatusCancelled},
	}

	tests := []struct {
		name      string
		candidate Interval
		excluding uuid.UUID
		want      bool
	}{
		{"overlaps booking", Interval{at(10, 15), at(10, 45)}, uuid.Nil, true},
		{"overlaps only itself", Interval{at(10, 15), at(10, 45)}, self, false},
		{"overlaps cancelled", Interval{at(11, 0), at(11, 30)}, uuid.Nil, false},
		{"adjacent", Interval{at(10, 30), at(11, 0)}, uuid.Nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := conflicts(existing, tt.candidate, tt.excluding)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("conflicts = %v, want %v", got, tt.want)
			}
		})
	}

	corrupt := []Appointment{{ID: uuid.New(), Start: at(10, 30), End: at(10, 0), Status: StatusConfirmed}}
	if _, err := conflicts(corrupt, Interval{at(9, 0), at(9, 15)}, uuid.Nil); !errors.Is(err, ErrCorruptAppointment) {
		t.Errorf("err = %v, want ErrCorruptAppointment", err)
	}
}
