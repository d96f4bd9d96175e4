// Package sendwindow decides when, in a campaign's local time, an email may go out.
package sendwindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // campaign timezones must resolve on hosts without zoneinfo

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

const (
	DefaultStart    = "09:00"
	DefaultEnd      = "17:00"
	DefaultTimezone = "America/Los_Angeles"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock accepts "HH:MM" and "HH:MM:SS" (seconds are ignored, as stored by Postgres TIME).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, appErrors.Validation("time of day %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, appErrors.Validation("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, appErrors.Validation("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// Window is a recurring daily interval [Start, End) in Location.
type Window struct {
	Start        Clock
	End          Clock
	Location     *time.Location
	WeekdaysOnly bool
}

// New validates and builds a window. Windows that wrap past midnight are rejected.
func New(start, end, timezone string, weekdaysOnly bool) (*Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return nil, err
	}
	if s.minutes() >= e.minutes() {
		return nil, appErrors.Validation("send window start %s must be before end %s", s, e)
	}
	if strings.TrimSpace(timezone) == "" {
		return nil, appErrors.Validation("send window timezone is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, appErrors.Validation("unknown timezone %q", timezone)
	}
	return &Window{Start: s, End: e, Location: loc, WeekdaysOnly: weekdaysOnly}, nil
}

// ForCampaign builds the campaign's window, filling unset fields with the defaults.
func ForCampaign(c *model.Campaign) (*Window, error) {
	start, end, tz := c.WindowStart, c.WindowEnd, c.Timezone
	if start == "" {
		start = DefaultStart
	}
	if end == "" {
		end = DefaultEnd
	}
	if tz == "" {
		tz = DefaultTimezone
	}
	return New(start, end, tz, c.WeekdaysOnly)
}

// NextEligibleSend returns candidate itself when it falls inside the window on an
// allowed day, and otherwise the first window opening strictly after candidate.
func (w *Window) NextEligibleSend(candidate time.Time) time.Time {
	local := candidate.In(w.Location)
	y, m, d := local.Date()

	// A full week always contains an allowed day.
	for i := 0; i <= 7; i++ {
		open := time.Date(y, m, d+i, w.Start.Hour, w.Start.Minute, 0, 0, w.Location)
		if !w.allowed(open.Weekday()) {
			continue
		}
		if i == 0 {
			closing := time.Date(y, m, d, w.End.Hour, w.End.Minute, 0, 0, w.Location)
			if !candidate.Before(open) && candidate.Before(closing) {
				return candidate
			}
		}
		if open.After(candidate) {
			return open
		}
	}
	// Unreachable with a valid window.
	return candidate
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	return w.NextEligibleSend(t).Equal(t)
}

func (w *Window) allowed(d time.Weekday) bool {
	if !w.WeekdaysOnly {
		return true
	}
	return d != time.Saturday && d != time.Sunday
}
