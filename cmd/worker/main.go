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
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// The delivery worker consumes send jobs from RabbitMQ and sends each queued
// email. A sweeper picks up pending items whose job was lost.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, *configPath)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer deps.Close()
	cfg, logger := deps.Config, deps.Log.Named("worker")

	sender, err := app.NewSender(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build sender", zap.Error(err))
	}
	worker := service.NewWorker(&repository.OutboundMessageRepository{DB: deps.DB}, sender, cfg.Delivery.MaxAttempts, logger)

	if cfg.RabbitMQ.URL != "" {
		q, err := queue.DialAMQP(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
		}
		defer q.Close()
		q.Prefetch = cfg.Delivery.Concurrency
		if err := q.Subscribe(ctx, cfg.RabbitMQ.SendQueue, worker.HandleJob); err != nil {
			logger.Fatal("failed to consume send jobs", zap.Error(err))
		}
		logger.Info("waiting for send jobs", zap.String("queue", cfg.RabbitMQ.SendQueue))
	} else {
		logger.Warn("no broker configured, delivering by polling only")
	}

	worker.RunSweeper(ctx, cfg.Delivery.PollInterval(), cfg.Delivery.BatchSize)
	logger.Info("worker stopped")
}
