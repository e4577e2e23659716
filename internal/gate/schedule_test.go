package gate

import (
	"strings"
	"testing"
	"time"
)

func businessHours() *Window {
	return &Window{
		StartTime:  "09:00",
		EndTime:    "17:00",
		Timezone:   "UTC",
		DaysOfWeek: []int{1, 2, 3, 4, 5},
	}
}

func TestInWindowZeroWindowAlwaysOpen(t *testing.T) {
	if !InWindow(nil, time.Now()) {
		t.Error("nil window should be open")
	}
	if !InWindow(&Window{Timezone: "UTC"}, time.Now()) {
		t.Error("window without times or days should be open")
	}
}

func TestInWindowSaturdayEveningClosed(t *testing.T) {
	// 2025-06-07 is a Saturday.
	saturday := time.Date(2025, 6, 7, 20, 0, 0, 0, time.UTC)
	if InWindow(businessHours(), saturday) {
		t.Error("Saturday 20:00 should be outside Mon-Fri 09:00-17:00")
	}
}

func TestInWindowWeekdayInsideOpen(t *testing.T) {
	tuesday := time.Date(2025, 6, 10, 12, 30, 0, 0, time.UTC)
	if !InWindow(businessHours(), tuesday) {
		t.Error("Tuesday 12:30 should be inside the window")
	}
}

func TestInWindowBoundariesInclusive(t *testing.T) {
	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 10, 17, 0, 0, 0, time.UTC)
	if !InWindow(businessHours(), start) {
		t.Error("09:00 boundary should be inside")
	}
	if !InWindow(businessHours(), end) {
		t.Error("17:00 boundary should be inside")
	}
}

func TestWaitUntilInsideWindowIsZero(t *testing.T) {
	tuesday := time.Date(2025, 6, 10, 12, 30, 0, 0, time.UTC)
	if d := WaitUntil(businessHours(), tuesday); d != 0 {
		t.Errorf("expected 0 wait inside window, got %v", d)
	}
}

func TestWaitUntilSaturdayToMonday(t *testing.T) {
	saturday := time.Date(2025, 6, 7, 20, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)

	got := WaitUntil(businessHours(), saturday)
	if want := monday.Sub(saturday); got != want {
		t.Errorf("expected wait %v until Monday 09:00, got %v", want, got)
	}
}

func TestWaitUntilLaterToday(t *testing.T) {
	earlyTuesday := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)
	got := WaitUntil(businessHours(), earlyTuesday)
	if want := 2 * time.Hour; got != want {
		t.Errorf("expected 2h wait until today's start, got %v", got)
	}
}

func TestWaitUntilAfterHoursRollsToNextDay(t *testing.T) {
	tuesdayEvening := time.Date(2025, 6, 10, 18, 0, 0, 0, time.UTC)
	got := WaitUntil(businessHours(), tuesdayEvening)
	if want := 15 * time.Hour; got != want {
		t.Errorf("expected 15h wait until Wednesday 09:00, got %v", got)
	}
}

func TestValidateWindowAccumulatesErrors(t *testing.T) {
	w := &Window{
		StartTime:  "9am",
		EndTime:    "25:00",
		DaysOfWeek: []int{0, 7, -1},
	}
	errs := ValidateWindow(w)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidateWindowStartAfterEnd(t *testing.T) {
	w := &Window{StartTime: "17:00", EndTime: "09:00"}
	errs := ValidateWindow(w)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0], "before") {
		t.Errorf("unexpected error text: %s", errs[0])
	}
}

func TestValidateWindowUnknownTimezone(t *testing.T) {
	w := &Window{StartTime: "09:00", EndTime: "17:00", Timezone: "Mars/Olympus"}
	errs := ValidateWindow(w)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
}

func TestValidateWindowValid(t *testing.T) {
	if errs := ValidateWindow(businessHours()); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
	if errs := ValidateWindow(nil); len(errs) != 0 {
		t.Errorf("nil window should validate clean, got %v", errs)
	}
}
