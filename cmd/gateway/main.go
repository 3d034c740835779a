package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/api"
	"github.com/meridianbrokers/courier/internal/circuitbreaker"
	"github.com/meridianbrokers/courier/internal/config"
	"github.com/meridianbrokers/courier/internal/dispatch"
	"github.com/meridianbrokers/courier/internal/metrics"
	"github.com/meridianbrokers/courier/internal/observ"
	"github.com/meridianbrokers/courier/internal/redis"
	"github.com/meridianbrokers/courier/internal/report"
	"github.com/meridianbrokers/courier/internal/sender"
	"github.com/meridianbrokers/courier/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := store.NewDB(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := store.NewRepository(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Channel senders. WhatsApp needs a configured gateway; email rides SES;
	// SMS rides SNS with a log fallback for local development.
	var whatsappSender sender.Sender
	if cfg.WhatsAppBaseURL != "" {
		whatsappSender = sender.NewWhatsAppSender(sender.WhatsAppConfig{
			BaseURL:     cfg.WhatsAppBaseURL,
			APIToken:    cfg.WhatsAppAPIToken,
			SenderID:    cfg.WhatsAppSenderID,
			CountryCode: cfg.WhatsAppCountryCode,
			Timeout:     time.Duration(cfg.WhatsAppTimeout) * time.Second,
		}, logger)
	} else {
		logger.Warn("WA_API_BASE_URL not set, whatsapp channel disabled")
	}

	emailSender, err := sender.NewEmailSender(ctx, sender.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}

	var smsSender sender.Sender
	smsSender, err = sender.NewSMSSender(ctx, sender.SMSConfig{
		Region:      cfg.SNSRegion,
		CountryCode: cfg.WhatsAppCountryCode,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, falling back to log-only SMS",
			zap.Error(err),
		)
		smsSender = sender.NewLogSMSSender(logger)
	}

	// Each provider gets its own breaker so one failing provider does not
	// stall the others.
	registry := &sender.Registry{
		Email: circuitbreaker.NewProtectedSender(emailSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger), logger),
		SMS: circuitbreaker.NewProtectedSender(smsSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger), logger),
	}
	if whatsappSender != nil {
		registry.WhatsApp = circuitbreaker.NewProtectedSender(whatsappSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp"), logger), logger)
	}

	logger.Info("initialized channel senders",
		zap.Bool("whatsapp_enabled", registry.WhatsApp != nil),
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", true),
	)

	dispatcher := dispatch.New(repo, registry, dispatch.Config{
		BatchSize:             cfg.BatchSize,
		Workers:               cfg.Workers,
		PollInterval:          cfg.PollInterval,
		SweepInterval:         cfg.SweepInterval,
		SweepCooldown:         cfg.SweepCooldown,
		SweepLimit:            cfg.SweepLimit,
		MaxRequeues:           cfg.MaxRequeues,
		ClaimTimeout:          cfg.ClaimTimeout,
		ReportInterimFailures: cfg.ReportInterimFailures,
	}, logger)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()

	go dispatcher.Run(dispatchCtx)

	logger.Info("dispatcher started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.Workers),
	)

	reporter := report.NewReporter(repo)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(observ.RequestLogger(logger))

	handler := api.NewHandler(logger, repo, reporter).WithSenders(registry)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CustomerKeyFunc))

		r.Post("/messages", handler.EnqueueMessage)
		r.Get("/messages/{id}", handler.GetMessage)

		r.Post("/send/{channel}", handler.DirectSend)

		r.Get("/reports/delivery", handler.DeliveryReport)
		r.Get("/templates", handler.ListTemplates)
		r.Put("/preferences/{customer_id}", handler.UpdatePreferences)

		// Dead Letter Queue routes
		r.Get("/dlq", handler.ListDeadLetterQueue)
		r.Get("/dlq/{id}", handler.GetDeadLetterItem)
		r.Post("/dlq/{id}/retry", handler.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", handler.DiscardDeadLetterItem)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new batches before draining HTTP
		dispatchCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
