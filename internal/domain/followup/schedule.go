package followup

import (
	"fmt"
	"strings"
	"time"
)

var clockLayouts = []string{"15:04", "15:04:05"}

// ComposeSchedule combines separate date (YYYY-MM-DD) and time (HH:MM) form
// fields into one instant in loc. Both empty means no fixed schedule.
func ComposeSchedule(date, clock string, loc *time.Location) (*time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" && clock == "" {
		return nil, nil
	}
	if date == "" || clock == "" {
		return nil, fmt.Errorf("both a date and a time are required to schedule a follow-up")
	}
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range clockLayouts {
		t, err := time.ParseInLocation("2006-01-02 "+layout, date+" "+clock, loc)
		if err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid schedule %q %q: expected YYYY-MM-DD and HH:MM", date, clock)
}

// QuickSchedule is the default slot for a follow-up created from the at-risk
// list: tomorrow at 10:00 in loc.
func QuickSchedule(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	y, m, d := local.AddDate(0, 0, 1).Date()
	return time.Date(y, m, d, 10, 0, 0, 0, loc)
}
