// Package app wires configuration, logging, storage and transports shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	"github.com/unclebandit/outreach-sequencer/internal/db"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/mailer"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/ratelimit"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// Deps are the process-wide dependencies every binary starts from.
type Deps struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *sql.DB
}

// Bootstrap loads configuration, builds the logger and connects to Postgres.
func Bootstrap(ctx context.Context, configPath string) (*Deps, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(ctx, cfg.Database.URL, db.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute,
	}, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return &Deps{Config: cfg, Log: log, DB: conn}, nil
}

func (d *Deps) Close() {
	d.DB.Close()
	d.Log.Sync()
}

// NewLimiter builds the rate limiter for the configured backend. The returned
// close func releases any connection the limiter owns.
func NewLimiter(ctx context.Context, cfg *config.Config, conn *sql.DB) (ratelimit.Limiter, func() error, error) {
	limits := cfg.RateLimits.Limits()
	noop := func() error { return nil }

	switch cfg.RateLimits.Backend {
	case config.BackendMemory:
		return ratelimit.NewMemory(limits), noop, nil
	case config.BackendRedis:
		r, err := ratelimit.NewRedisFromURL(ctx, cfg.Redis.URL, limits)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case config.BackendPostgres:
		return ratelimit.NewPostgres(conn, limits), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimits.Backend)
	}
}

// NewSender returns the SES sender, or a logging sender in dry-run mode.
func NewSender(ctx context.Context, cfg *config.Config, log *zap.Logger) (service.Sender, error) {
	if cfg.Delivery.DryRun {
		log.Warn("delivery dry run: messages are logged, not sent")
		return mailer.LogSender{Log: log}, nil
	}
	return mailer.NewSESSender(ctx, cfg.SES, log)
}

// NewQueue dials RabbitMQ when configured. Without a broker it returns an
// in-process queue, so the scheduler and delivery worker must share a process.
func NewQueue(cfg *config.Config, log *zap.Logger) (queue.Queue, bool, error) {
	if cfg.RabbitMQ.URL == "" {
		return queue.NewInMemoryQueue(log), false, nil
	}
	q, err := queue.DialAMQP(cfg.RabbitMQ.URL, log)
	if err != nil {
		return nil, false, err
	}
	q.Prefetch = cfg.Delivery.Concurrency
	return q, true, nil
}
