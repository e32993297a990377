package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clinic booking grid.
const (
	SlotLength   = 15 * time.Minute
	DayStartHour = 9
	DayEndHour   = 17
	hoursInDay   = 24
)

// SlotParams describes the grid that slots are cut from.
type SlotParams struct {
	Length    time.Duration
	StartHour int
	EndHour   int
}

// DefaultSlotParams is the 15 minute grid over 09:00-17:00 UTC.
func DefaultSlotParams() SlotParams {
	return SlotParams{Length: SlotLength, StartHour: DayStartHour, EndHour: DayEndHour}
}

func (p SlotParams) validate() error {
	if p.Length <= 0 {
		return fieldErr("slot_length", ErrInvalidSlotParameters)
	}
	if p.StartHour < 0 || p.StartHour > hoursInDay || p.EndHour < 0 || p.EndHour > hoursInDay {
		return fieldErr("window", ErrInvalidSlotParameters)
	}
	return nil
}

// Window returns [day@StartHour:00, day@EndHour:00) in UTC. ok is false for
// a degenerate window.
func (p SlotParams) Window(day time.Time) (Interval, bool) {
	y, m, d := day.UTC().Date()
	start := time.Date(y, m, d, p.StartHour, 0, 0, 0, time.UTC)
	end := time.Date(y, m, d, p.EndHour, 0, 0, 0, time.UTC)
	iv, err := NewInterval(start, end)
	if err != nil {
		return Interval{}, false
	}
	return iv, true
}

// EnumerateSlots cuts window into left-aligned slots of length. A trailing
// slot that would run past the window end is dropped.
func EnumerateSlots(window Interval, length time.Duration) []Interval {
	if length <= 0 {
		return nil
	}
	var slots []Interval
	for cur := window.Start; !cur.Add(length).After(window.End); cur = cur.Add(length) {
		slots = append(slots, Interval{Start: cur, End: cur.Add(length)})
	}
	return slots
}

// DoctorChecker resolves whether an id belongs to a doctor-role user.
type DoctorChecker interface {
	IsDoctor(ctx context.Context, id uuid.UUID) (bool, error)
}

type SlotGenerator struct {
	doctors DoctorChecker
	lister  ActiveLister
}

func NewSlotGenerator(doctors DoctorChecker, lister ActiveLister) *SlotGenerator {
	return &SlotGenerator{doctors: doctors, lister: lister}
}

// AvailableSlots returns the free slots of doctorID on day, in chronological
// order. It returns an empty slice when nothing is free or the window is
// degenerate.
func (g *SlotGenerator) AvailableSlots(ctx context.Context, doctorID uuid.UUID, day string, p SlotParams) ([]Interval, error) {
	d, err := ParseDay(day)
	if err != nil {
		return nil, fieldErr("date", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	ok, err := g.doctors.IsDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("resolve doctor: %w", err)
	}
	if !ok {
		return nil, fieldErr("doctor", ErrUnknownDoctor)
	}

	window, ok := p.Window(d)
	if !ok {
		return []Interval{}, nil
	}

	// One read for the whole day, then per-slot checks in memory.
	busy, err := g.lister.ListActiveByDoctor(ctx, doctorID, window)
	if err != nil {
		return nil, fmt.Errorf("list doctor appointments: %w", err)
	}

	free := []Interval{}
	for _, slot := range EnumerateSlots(window, p.Length) {
		hit, err := conflicts(busy, slot, uuid.Nil)
		if err != nil {
			return nil, err
		}
		if !hit {
			free = append(free, slot)
		}
	}
	return free, nil
}
