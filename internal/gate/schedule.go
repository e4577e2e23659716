// Package gate decides whether a workflow node may execute right now,
// based on time-of-day windows and per-actor tick frequency limits.
// Gates defer execution; they never fail a run.
package gate

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Window constrains execution to a daily HH:MM range on selected
// weekdays, evaluated in the configured timezone. A zero Window is
// always open.
type Window struct {
	StartTime  string `json:"start_time,omitempty"` // 24-hour HH:MM
	EndTime    string `json:"end_time,omitempty"`   // 24-hour HH:MM
	Timezone   string `json:"timezone,omitempty"`   // IANA name, e.g. "Europe/Berlin"
	DaysOfWeek []int  `json:"days_of_week,omitempty"` // 0=Sunday .. 6=Saturday
}

var hhmmPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// IsZero reports whether the window carries no restriction at all.
func (w *Window) IsZero() bool {
	return w == nil || (w.StartTime == "" && w.EndTime == "" && len(w.DaysOfWeek) == 0)
}

func (w *Window) location() *time.Location {
	if w == nil || w.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// InWindow reports whether now falls inside the window. Both time
// boundaries are inclusive; the day check uses the local day in the
// window's timezone.
func InWindow(w *Window, now time.Time) bool {
	if w.IsZero() {
		return true
	}
	local := now.In(w.location())

	if len(w.DaysOfWeek) > 0 && !containsDay(w.DaysOfWeek, int(local.Weekday())) {
		return false
	}
	if w.StartTime == "" && w.EndTime == "" {
		return true
	}

	cur := local.Format("15:04")
	start, end := w.StartTime, w.EndTime
	if start == "" {
		start = "00:00"
	}
	if end == "" {
		end = "23:59"
	}
	return start <= cur && cur <= end
}

// WaitUntil returns how long to wait before the window next opens.
// Returns 0 when now is already inside the window.
func WaitUntil(w *Window, now time.Time) time.Duration {
	if InWindow(w, now) {
		return 0
	}
	loc := w.location()
	local := now.In(loc)

	start := w.StartTime
	if start == "" {
		start = "00:00"
	}
	hh, _ := strconv.Atoi(start[:2])
	mm, _ := strconv.Atoi(start[3:])

	// Today's start if still ahead, else the next matching day.
	for d := 0; d <= 7; d++ {
		day := local.AddDate(0, 0, d)
		if len(w.DaysOfWeek) > 0 && !containsDay(w.DaysOfWeek, int(day.Weekday())) {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
		if !candidate.After(local) {
			continue
		}
		return candidate.Sub(local)
	}
	return 24 * time.Hour
}

// ValidateWindow returns every problem with the window, so a caller can
// report all of them at once. A nil or zero window is valid.
func ValidateWindow(w *Window) []string {
	if w.IsZero() {
		return nil
	}
	var errs []string
	if w.StartTime != "" && !hhmmPattern.MatchString(w.StartTime) {
		errs = append(errs, fmt.Sprintf("start_time %q is not a 24-hour HH:MM string", w.StartTime))
	}
	if w.EndTime != "" && !hhmmPattern.MatchString(w.EndTime) {
		errs = append(errs, fmt.Sprintf("end_time %q is not a 24-hour HH:MM string", w.EndTime))
	}
	if w.StartTime != "" && w.EndTime != "" &&
		hhmmPattern.MatchString(w.StartTime) && hhmmPattern.MatchString(w.EndTime) &&
		w.StartTime >= w.EndTime {
		errs = append(errs, fmt.Sprintf("start_time %q must be before end_time %q", w.StartTime, w.EndTime))
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("unknown timezone %q", w.Timezone))
		}
	}
	for _, d := range w.DaysOfWeek {
		if d < 0 || d > 6 {
			errs = append(errs, fmt.Sprintf("day_of_week %d is outside 0..6", d))
		}
	}
	return errs
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
