package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checks both buckets before touching either, and only then increments both.
const reserveLuaScript = `
local hourKey = KEYS[1]
local dayKey = KEYS[2]
local hourLimit = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[2])
local hourTTL = tonumber(ARGV[3])
local dayTTL = tonumber(ARGV[4])

local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if hourCurrent >= hourLimit or dayCurrent >= dayLimit then
    return {0, hourCurrent, dayCurrent}
end

local newHour = redis.call("INCR", hourKey)
if newHour == 1 then
    redis.call("EXPIRE", hourKey, hourTTL)
end

local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
    redis.call("EXPIRE", dayKey, dayTTL)
end

return {1, newHour, newDay}
`

const releaseLuaScript = `
for _, key in ipairs(KEYS) do
    local current = tonumber(redis.call("GET", key) or "0")
    if current > 0 then
        redis.call("DECR", key)
    end
end
return 1
`

const (
	hourTTLSeconds = 2 * 60 * 60
	dayTTLSeconds  = 25 * 60 * 60
)

// Redis shares counters across every scheduler process pointing at the same server.
type Redis struct {
	client *redis.Client
	cfg    Config

	reserveScript *redis.Script
	releaseScript *redis.Script
}

func NewRedis(client *redis.Client, cfg Config) *Redis {
	return &Redis{
		client:        client,
		cfg:           cfg,
		reserveScript: redis.NewScript(reserveLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
	}
}

// NewRedisFromURL connects to redisURL and verifies the connection.
func NewRedisFromURL(ctx context.Context, redisURL string, cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client, cfg), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func keys(group string, now time.Time) []string {
	return []string{
		fmt.Sprintf("ratelimit:%s:hour:%d", group, HourStart(now).Unix()),
		fmt.Sprintf("ratelimit:%s:day:%s", group, DayStart(now).Format("2006-01-02")),
	}
}

func (r *Redis) TryReserve(ctx context.Context, group string, now time.Time) (Reservation, error) {
	limits := r.cfg.For(group)

	result, err := r.reserveScript.Run(ctx, r.client, keys(group, now),
		limits.Hourly,
		limits.Daily,
		hourTTLSeconds,
		dayTTLSeconds,
	).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("rate limit reserve failed: %w", err)
	}
	if len(result) != 3 {
		return Reservation{}, fmt.Errorf("rate limit reserve: unexpected reply %v", result)
	}

	allowed, _ := result[0].(int64)
	hour, _ := result[1].(int64)
	day, _ := result[2].(int64)
	return Reservation{
		Allowed:         allowed == 1,
		HourlyRemaining: remaining(limits.Hourly, int(hour)),
		DailyRemaining:  remaining(limits.Daily, int(day)),
	}, nil
}

func (r *Redis) Release(ctx context.Context, group string, now time.Time) error {
	if err := r.releaseScript.Run(ctx, r.client, keys(group, now)).Err(); err != nil {
		return fmt.Errorf("rate limit release failed: %w", err)
	}
	return nil
}
