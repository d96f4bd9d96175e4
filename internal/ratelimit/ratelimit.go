// Package ratelimit enforces hourly and daily send quotas per rate-limit group.
//
// Counters live in time buckets keyed by (group, period, period start). Buckets are
// computed in UTC: an hour bucket starts at the top of the UTC hour and a day bucket
// at UTC midnight, so a new period simply means a new key.
package ratelimit

import (
	"context"
	"time"
)

type Period string

const (
	PeriodHour Period = "hour"
	PeriodDay  Period = "day"
)

const (
	DefaultHourly = 1000
	DefaultDaily  = 10000
)

// Limits caps how many sends a group may reserve per bucket.
type Limits struct {
	Hourly int `yaml:"hourly"`
	Daily  int `yaml:"daily"`
}

// Config holds the default limits and any per-group overrides.
type Config struct {
	Default Limits            `yaml:"default"`
	Groups  map[string]Limits `yaml:"groups"`
}

// For returns the limits of group, falling back to the default for unset values.
func (c Config) For(group string) Limits {
	l := c.Default
	if l.Hourly <= 0 {
		l.Hourly = DefaultHourly
	}
	if l.Daily <= 0 {
		l.Daily = DefaultDaily
	}
	if g, ok := c.Groups[group]; ok {
		if g.Hourly > 0 {
			l.Hourly = g.Hourly
		}
		if g.Daily > 0 {
			l.Daily = g.Daily
		}
	}
	return l
}

// Reservation is the outcome of TryReserve. Remaining counts are after the
// reservation when it was allowed, and the current headroom when it was not.
type Reservation struct {
	Allowed         bool
	HourlyRemaining int
	DailyRemaining  int
}

// Limiter reserves send slots. A denied TryReserve never changes any counter.
// Release returns a slot taken by an allowed TryReserve in the same buckets
// that was not used after all.
type Limiter interface {
	TryReserve(ctx context.Context, group string, now time.Time) (Reservation, error)
	Release(ctx context.Context, group string, now time.Time) error
}

// HourStart is the start of the hour bucket containing now.
func HourStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

// DayStart is the start of the day bucket containing now.
func DayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
