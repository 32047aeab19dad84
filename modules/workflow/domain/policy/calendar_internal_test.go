package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddBusinessDurationWithoutWorkingDays(t *testing.T) {
	t.Parallel()

	cal := DefaultCalendar()
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		cal.weekend[wd] = true
	}

	from := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	done := make(chan time.Time, 1)
	go func() { done <- cal.AddBusinessDuration(from, 8*time.Hour) }()

	select {
	case got := <-done:
		want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, maxIdleDays).Add(8 * time.Hour)
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("AddBusinessDuration did not return")
	}
}

func TestAddBusinessDurationAcrossLongHolidayStretch(t *testing.T) {
	t.Parallel()

	cal := DefaultCalendar()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		cal.holidays[day.AddDate(0, 0, i).Format("2006-01-02")] = true
	}

	// 2026-04-01 is a Wednesday and the first working day after the stretch.
	got := cal.AddBusinessDuration(day.Add(9*time.Hour), 2*time.Hour)
	require.Equal(t, time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC), got)
}
