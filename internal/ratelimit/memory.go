package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucketKey struct {
	group  string
	period Period
	start  time.Time
}

// Memory keeps counters in process. It is exact for a single scheduler process
// and is what tests and single-node deployments use.
type Memory struct {
	cfg Config

	mu        sync.Mutex
	counts    map[bucketKey]int
	lastPrune time.Time
}

func NewMemory(cfg Config) *Memory {
	return &Memory{cfg: cfg, counts: make(map[bucketKey]int)}
}

func (m *Memory) TryReserve(_ context.Context, group string, now time.Time) (Reservation, error) {
	limits := m.cfg.For(group)
	hk := bucketKey{group, PeriodHour, HourStart(now)}
	dk := bucketKey{group, PeriodDay, DayStart(now)}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)

	h, d := m.counts[hk], m.counts[dk]
	if h >= limits.Hourly || d >= limits.Daily {
		return Reservation{
			HourlyRemaining: remaining(limits.Hourly, h),
			DailyRemaining:  remaining(limits.Daily, d),
		}, nil
	}
	m.counts[hk] = h + 1
	m.counts[dk] = d + 1
	return Reservation{
		Allowed:         true,
		HourlyRemaining: remaining(limits.Hourly, h+1),
		DailyRemaining:  remaining(limits.Daily, d+1),
	}, nil
}

func (m *Memory) Release(_ context.Context, group string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []bucketKey{
		{group, PeriodHour, HourStart(now)},
		{group, PeriodDay, DayStart(now)},
	} {
		if m.counts[k] > 0 {
			m.counts[k]--
		}
	}
	return nil
}

// Used returns the current hour and day counts of group.
func (m *Memory) Used(group string, now time.Time) (hourly, daily int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[bucketKey{group, PeriodHour, HourStart(now)}], m.counts[bucketKey{group, PeriodDay, DayStart(now)}]
}

// prune drops buckets older than the previous period once per hour. The
// previous hour and day stay, since a worker may still hold a time from them.
// Caller holds mu.
func (m *Memory) prune(now time.Time) {
	hour := HourStart(now)
	if !hour.After(m.lastPrune) {
		return
	}
	m.lastPrune = hour
	prevHour := hour.Add(-time.Hour)
	prevDay := DayStart(now).AddDate(0, 0, -1)
	for k := range m.counts {
		if (k.period == PeriodHour && k.start.Before(prevHour)) || (k.period == PeriodDay && k.start.Before(prevDay)) {
			delete(m.counts, k)
		}
	}
}
