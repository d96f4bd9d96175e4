package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres keeps counters in the send_rate_tracking table. Both bucket rows are
// locked with SELECT ... FOR UPDATE, in a fixed order, before either is checked.
type Postgres struct {
	DB  *sql.DB
	cfg Config
}

func NewPostgres(db *sql.DB, cfg Config) *Postgres {
	return &Postgres{DB: db, cfg: cfg}
}

const bucketWhere = `group_key = $1
   AND ((period_type = 'hour' AND period_start = $2) OR (period_type = 'day' AND period_start = $3))`

func (p *Postgres) TryReserve(ctx context.Context, group string, now time.Time) (res Reservation, err error) {
	limits := p.cfg.For(group)
	hour, day := HourStart(now), DayStart(now)

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("rate limit begin: %w", err)
	}
	defer func() {
		if err != nil || !res.Allowed {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
        INSERT INTO send_rate_tracking (group_key, period_type, period_start, count)
        VALUES ($1, 'hour', $2, 0), ($1, 'day', $3, 0)
        ON CONFLICT (group_key, period_type, period_start) DO NOTHING`,
		group, hour, day); err != nil {
		return Reservation{}, fmt.Errorf("rate limit ensure buckets: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
        SELECT period_type, count FROM send_rate_tracking
        WHERE `+bucketWhere+`
        ORDER BY period_type
        FOR UPDATE`, group, hour, day)
	if err != nil {
		return Reservation{}, fmt.Errorf("rate limit lock buckets: %w", err)
	}
	var h, d int
	for rows.Next() {
		var period string
		var count int
		if err = rows.Scan(&period, &count); err != nil {
			rows.Close()
			return Reservation{}, err
		}
		switch Period(period) {
		case PeriodHour:
			h = count
		case PeriodDay:
			d = count
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return Reservation{}, err
	}

	if h >= limits.Hourly || d >= limits.Daily {
		return Reservation{
			HourlyRemaining: remaining(limits.Hourly, h),
			DailyRemaining:  remaining(limits.Daily, d),
		}, nil
	}

	if _, err = tx.ExecContext(ctx, `
        UPDATE send_rate_tracking SET count = count + 1
        WHERE `+bucketWhere, group, hour, day); err != nil {
		return Reservation{}, fmt.Errorf("rate limit increment: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("rate limit commit: %w", err)
	}

	return Reservation{
		Allowed:         true,
		HourlyRemaining: remaining(limits.Hourly, h+1),
		DailyRemaining:  remaining(limits.Daily, d+1),
	}, nil
}

func (p *Postgres) Release(ctx context.Context, group string, now time.Time) error {
	_, err := p.DB.ExecContext(ctx, `
        UPDATE send_rate_tracking SET count = count - 1
        WHERE `+bucketWhere+` AND count > 0`, group, HourStart(now), DayStart(now))
	if err != nil {
		return fmt.Errorf("rate limit release: %w", err)
	}
	return nil
}
