package domain

import (
	"fmt"
	"time"
)

const clockLayout = "15:04"

// AvailabilitySlot is one free interval of a member within a week.
// Params: weekday (0=Sunday..6) and HH:MM start/end in the team's local time.
// Returns: entry sent with saveAvailability.
type AvailabilitySlot struct {
	Weekday int    `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Validate checks weekday range and that start is strictly before end.
// Params: none.
// Returns: descriptive error for malformed slots.
func (s AvailabilitySlot) Validate() error {
	if s.Weekday < 0 || s.Weekday > 6 {
		return fmt.Errorf("weekday %d out of range", s.Weekday)
	}
	start, err := time.Parse(clockLayout, s.Start)
	if err != nil {
		return fmt.Errorf("start %q is not HH:MM", s.Start)
	}
	end, err := time.Parse(clockLayout, s.End)
	if err != nil {
		return fmt.Errorf("end %q is not HH:MM", s.End)
	}
	if !start.Before(end) {
		return fmt.Errorf("start %s must be before end %s", s.Start, s.End)
	}
	return nil
}
