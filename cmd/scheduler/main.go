package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/app"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/scheduler"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// The scheduler enqueues due sequence steps on every tick. Without a broker it
// also runs the delivery worker in-process.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	once := flag.Bool("once", false, "run a single tick and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, *configPath)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer deps.Close()
	cfg, logger := deps.Config, deps.Log

	limiter, closeLimiter, err := app.NewLimiter(ctx, cfg, deps.DB)
	if err != nil {
		logger.Fatal("failed to build rate limiter", zap.Error(err))
	}
	defer closeLimiter()

	q, durable, err := app.NewQueue(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer q.Close()

	outboundRepo := &repository.OutboundMessageRepository{DB: deps.DB}
	if !durable {
		sender, err := app.NewSender(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("failed to build sender", zap.Error(err))
		}
		worker := service.NewWorker(outboundRepo, sender, cfg.Delivery.MaxAttempts, logger.Named("worker"))
		if err := q.Subscribe(ctx, cfg.RabbitMQ.SendQueue, worker.HandleJob); err != nil {
			logger.Fatal("failed to start embedded worker", zap.Error(err))
		}
		go worker.RunSweeper(ctx, cfg.Delivery.PollInterval(), cfg.Delivery.BatchSize)
		logger.Info("no broker configured, delivering in-process")
	}

	s := &scheduler.Scheduler{
		Campaigns:        &repository.CampaignRepository{DB: deps.DB},
		Enrollments:      &repository.EnrollmentRepository{DB: deps.DB},
		Exclusions:       &repository.ExclusionRepository{DB: deps.DB},
		Outbound:         outboundRepo,
		Limiter:          limiter,
		Renderer:         service.NewTemplateService(),
		Publisher:        q,
		SendTopic:        cfg.RabbitMQ.SendQueue,
		Interval:         cfg.Scheduler.TickInterval(),
		Workers:          cfg.Scheduler.Workers,
		StoreTimeout:     cfg.Scheduler.StoreTimeout(),
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		Logger:           logger.Named("scheduler"),
	}

	if *once {
		res, err := s.Tick(ctx)
		if err != nil {
			logger.Fatal("tick failed", zap.Error(err))
		}
		logger.Info("tick finished", zap.Any("result", res))
		return
	}
	s.Run(ctx)
}
