package appointment

import (
	"fmt"
	"time"
)

// Interval is a half-open time range [Start, End) in UTC.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds an interval and rejects end <= start.
func NewInterval(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{Start: start.UTC(), End: end.UTC()}, nil
}

// Overlaps uses the half-open rule, so touching endpoints do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && iv.End.After(other.Start)
}

// Contains reports whether other lies entirely inside iv.
func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", FormatTimestamp(iv.Start), FormatTimestamp(iv.End))
}

const dayLayout = "2006-01-02"

// ParseDay parses a YYYY-MM-DD date as midnight in the reference zone (UTC).
func ParseDay(s string) (time.Time, error) {
	d, err := time.ParseInLocation(dayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return d, nil
}

// FormatDay renders t's UTC date as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// FormatTimestamp renders t as RFC 3339 in UTC with a Z suffix.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
