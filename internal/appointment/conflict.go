package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ActiveLister returns the doctor's non-cancelled appointments that overlap
// window. Implementations may return a superset; the checker filters again.
type ActiveLister interface {
	ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, window Interval) ([]Appointment, error)
}

// ConflictChecker answers whether a candidate interval collides with the
// doctor's existing bookings. When used for a write, the lister must be the
// transactional Store of the same unit that performs the write.
type ConflictChecker struct {
	lister ActiveLister
}

func NewConflictChecker(lister ActiveLister) ConflictChecker {
	return ConflictChecker{lister: lister}
}

// HasConflict ignores the appointment with id excluding (uuid.Nil for none).
func (c ConflictChecker) HasConflict(ctx context.Context, doctorID uuid.UUID, candidate Interval, excluding uuid.UUID) (bool, error) {
	existing, err := c.lister.ListActiveByDoctor(ctx, doctorID, candidate)
	if err != nil {
		return false, fmt.Errorf("list doctor appointments: %w", err)
	}
	return conflicts(existing, candidate, excluding)
}

func conflicts(existing []Appointment, candidate Interval, excluding uuid.UUID) (bool, error) {
	for i := range existing {
		a := &existing[i]
		if a.Status == StatusCancelled {
			continue
		}
		if excluding != uuid.Nil && a.ID == excluding {
			continue
		}
		iv, err := a.Interval()
		if err != nil {
			return false, fmt.Errorf("appointment %s: %w", a.ID, err)
		}
		if iv.Overlaps(candidate) {
			return true, nil
		}
	}
	return false, nil
}
