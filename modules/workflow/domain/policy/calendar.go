package policy

import (
	"fmt"
	"strings"
	"time"
)

// Calendar describes the working time used for business-hours SLAs.
type Calendar struct {
	Timezone     string   `yaml:"timezone" validate:"omitempty,timezone"`
	WorkdayStart string   `yaml:"workday_start" validate:"omitempty,datetime=15:04"`
	WorkdayEnd   string   `yaml:"workday_end" validate:"omitempty,datetime=15:04"`
	Weekend      []string `yaml:"weekend" validate:"dive,oneof=monday tuesday wednesday thursday friday saturday sunday"`
	Holidays     []string `yaml:"holidays" validate:"dive,datetime=2006-01-02"`

	loc      *time.Location
	start    time.Duration
	end      time.Duration
	weekend  map[time.Weekday]bool
	holidays map[string]bool
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// compile resolves the textual fields; defaults are UTC 09:00-17:00, Saturday and Sunday off.
func (c *Calendar) compile() error {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("calendar timezone: %w", err)
	}
	if c.WorkdayStart == "" {
		c.WorkdayStart = "09:00"
	}
	if c.WorkdayEnd == "" {
		c.WorkdayEnd = "17:00"
	}
	start, err := parseClock(c.WorkdayStart)
	if err != nil {
		return fmt.Errorf("calendar workday_start: %w", err)
	}
	end, err := parseClock(c.WorkdayEnd)
	if err != nil {
		return fmt.Errorf("calendar workday_end: %w", err)
	}
	if end <= start {
		return fmt.Errorf("calendar workday_end must be after workday_start")
	}
	if c.Weekend == nil {
		c.Weekend = []string{"saturday", "sunday"}
	}
	weekend := make(map[time.Weekday]bool, len(c.Weekend))
	for _, d := range c.Weekend {
		wd, ok := weekdays[strings.ToLower(d)]
		if !ok {
			return fmt.Errorf("calendar weekend: unknown day %q", d)
		}
		weekend[wd] = true
	}
	if len(weekend) == len(weekdays) {
		return fmt.Errorf("calendar weekend: at least one working day is required")
	}
	holidays := make(map[string]bool, len(c.Holidays))
	for _, h := range c.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("calendar holiday %q: %w", h, err)
		}
		holidays[h] = true
	}

	c.loc, c.start, c.end, c.weekend, c.holidays = loc, start, end, weekend, holidays
	return nil
}

// DefaultCalendar is compiled with the defaults.
func DefaultCalendar() *Calendar {
	c := &Calendar{}
	if err := c.compile(); err != nil {
		panic(err)
	}
	return c
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) workingDay(day time.Time) bool {
	return !c.weekend[day.Weekday()] && !c.holidays[day.Format("2006-01-02")]
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// window returns the working hours of day as wall-clock instants.
func (c *Calendar) window(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	clock := func(off time.Duration) time.Time {
		return time.Date(y, m, d, int(off/time.Hour), int(off%time.Hour/time.Minute), 0, 0, c.loc)
	}
	return clock(c.start), clock(c.end)
}

// BusinessDuration counts the working time between from and to.
// The result is negative when to is before from.
func (c *Calendar) BusinessDuration(from, to time.Time) time.Duration {
	if to.Before(from) {
		return -c.BusinessDuration(to, from)
	}
	from, to = from.In(c.loc), to.In(c.loc)

	var total time.Duration
	for day := midnight(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		if !c.workingDay(day) {
			continue
		}
		lo, hi := c.window(day)
		if from.After(lo) {
			lo = from
		}
		if to.Before(hi) {
			hi = to
		}
		if hi.After(lo) {
			total += hi.Sub(lo)
		}
	}
	return total
}

// maxIdleDays bounds the search for the next working day.
const maxIdleDays = 366

// AddBusinessDuration returns the instant at which d of working time has
// elapsed after from. When no working day follows within maxIdleDays the
// remainder is added as wall-clock time from the end of that stretch.
func (c *Calendar) AddBusinessDuration(from time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return from.UTC()
	}
	from = from.In(c.loc)
	remaining := d
	idle := 0
	for day := midnight(from); ; day = day.AddDate(0, 0, 1) {
		if !c.workingDay(day) {
			idle++
			if idle > maxIdleDays {
				return day.Add(remaining).UTC()
			}
			continue
		}
		idle = 0
		open, closeAt := c.window(day)
		if from.After(open) {
			open = from
		}
		if !closeAt.After(open) {
			continue
		}
		avail := closeAt.Sub(open)
		if avail >= remaining {
			return open.Add(remaining).UTC()
		}
		remaining -= avail
	}
}
