// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/app"
	"github.com/unclebandit/outreach-sequencer/internal/controller"
	"github.com/unclebandit/outreach-sequencer/internal/handler"
	"github.com/unclebandit/outreach-sequencer/internal/inbox"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

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
	cfg, logger := deps.Config, deps.Log

	campaignRepo := &repository.CampaignRepository{DB: deps.DB}
	enrollmentRepo := &repository.EnrollmentRepository{DB: deps.DB}
	contactRepo := &repository.ContactRepository{DB: deps.DB}
	exclusionRepo := &repository.ExclusionRepository{DB: deps.DB}

	campaignService := &service.CampaignService{
		CampaignRepo:   campaignRepo,
		EnrollmentRepo: enrollmentRepo,
		ContactRepo:    contactRepo,
		ExclusionRepo:  exclusionRepo,
		Templates:      service.NewTemplateService(),
		Defaults:       cfg.Campaigns,
		Logger:         logger,
	}
	if sender, err := app.NewSender(ctx, cfg, logger); err != nil {
		logger.Warn("test sends disabled", zap.Error(err))
	} else {
		campaignService.Sender = sender
	}
	replyService := &service.ReplyService{
		EnrollmentRepo: enrollmentRepo,
		ExclusionRepo:  exclusionRepo,
		Logger:         logger,
	}

	// Reply events classified elsewhere arrive over RabbitMQ.
	if cfg.RabbitMQ.URL != "" {
		q, err := queue.DialAMQP(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
		}
		defer q.Close()
		if err := q.Subscribe(ctx, cfg.RabbitMQ.ReplyQueue, replyService.HandleReplyEvent); err != nil {
			logger.Fatal("failed to consume reply events", zap.Error(err))
		}
	}

	if cfg.IMAP.Enabled {
		poller := &inbox.Poller{
			Mailbox:      inbox.NewIMAPMailbox(cfg.IMAP, logger),
			Replies:      replyService,
			Interval:     cfg.IMAP.PollInterval(),
			OwnAddresses: []string{cfg.IMAP.Username, cfg.Campaigns.FromEmail},
			Log:          logger.Named("inbox"),
		}
		go poller.Start(ctx)
	}

	campaignController := &controller.CampaignController{CampaignService: campaignService, Logger: logger}
	enrollmentController := &controller.EnrollmentController{ReplyService: replyService, Logger: logger}
	campaignHandler := &handler.CampaignHandler{Service: campaignService, Logger: logger}
	exclusionHandler := &handler.ExclusionHandler{Repo: exclusionRepo, Logger: logger}
	healthHandler := &handler.HealthHandler{DB: deps.DB}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler.Health)

	// Campaign routes
	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns", campaignController.ListCampaigns)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaignHandlerWithStats)
	r.Put("/campaigns/{id}/steps", campaignController.UpdateSteps)
	r.Post("/campaigns/{id}/enroll", campaignController.Enroll)
	r.Post("/campaigns/{id}/activate", campaignController.Activate)
	r.Post("/campaigns/{id}/pause", campaignController.Pause)
	r.Post("/campaigns/{id}/resume", campaignController.Resume)
	r.Post("/campaigns/{id}/send-test", campaignController.SendTest)

	// Enrollment routes
	r.Get("/enrollments/{id}/preview", campaignController.PersonalizedPreview)
	r.Post("/enrollments/{id}/reply", enrollmentController.Reply)
	r.Post("/enrollments/{id}/stop", enrollmentController.Stop)
	r.Post("/enrollments/{id}/steps/{step}/opened", enrollmentController.RecordOpen)

	r.Get("/exclusions", exclusionHandler.ListExclusionsHandler)
	r.Post("/exclusions", exclusionHandler.CreateExclusionHandler)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server running", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
