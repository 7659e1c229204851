package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/northbridge-health/referral-platform/internal/alerts"
	"github.com/northbridge-health/referral-platform/internal/api/router"
	"github.com/northbridge-health/referral-platform/internal/auth"
	"github.com/northbridge-health/referral-platform/internal/calendar"
	appconfig "github.com/northbridge-health/referral-platform/internal/config"
	"github.com/northbridge-health/referral-platform/internal/dispatch"
	"github.com/northbridge-health/referral-platform/internal/events"
	"github.com/northbridge-health/referral-platform/internal/http/handlers"
	"github.com/northbridge-health/referral-platform/internal/notify"
	"github.com/northbridge-health/referral-platform/internal/observability/metrics"
	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/internal/voice"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting referral-platform API server", "env", cfg.Env, "port", cfg.Port)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.SessionJWTSecret == "" {
		logger.Error("SESSION_JWT_SECRET is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	workflowMetrics := metrics.NewWorkflowMetrics(registry)

	// Vendor clients. Each degrades to a stub or a no-op when its
	// credentials are absent so local development needs no accounts.
	var sender notify.EmailSender
	if cfg.SendGridAPIKey != "" {
		sender = notify.NewSendGridSender(cfg.SendGridAPIKey, cfg.SendGridFromName, cfg.SendGridFromEmail, logger)
	} else {
		logger.Warn("SENDGRID_API_KEY not set, emails will be logged only")
		sender = &notify.StubSender{}
	}

	voiceClient := voice.NewClient(voice.Config{
		APIKey:        cfg.VoiceAPIKey,
		AgentID:       cfg.VoiceAgentID,
		BaseURL:       cfg.VoiceBaseURL,
		WebhookSecret: cfg.VoiceWebhookSecret,
		Logger:        logger,
	})

	var syncer calendar.Syncer
	if cfg.GoogleCredentialsJSON != "" {
		syncer, err = calendar.NewGoogleSyncer(context.Background(), calendar.Config{
			CredentialsJSON: []byte(cfg.GoogleCredentialsJSON),
			CalendarID:      cfg.GoogleCalendarID,
			Location:        cfg.ClinicLocation,
			Duration:        cfg.AppointmentDuration,
			Logger:          logger,
		})
		if err != nil {
			logger.Error("failed to init google calendar", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("GOOGLE_CREDENTIALS_JSON not set, calendar sync is stubbed")
		syncer = calendar.NewStubSyncer(logger)
	}

	var replays *events.ReplayCache
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		replays = events.NewReplayCache(redis.NewClient(opts), 0)
	} else {
		logger.Warn("REDIS_ADDR not set, webhook dedupe uses the database only")
	}

	// Repositories.
	referralRepo := referrals.NewRepository(db)
	logsRepo := dispatch.NewLogsRepository(db)
	alertRepo := alerts.NewRepository(db)
	accountRepo := auth.NewRepository(db)
	processedStore := events.NewProcessedStore(pool)

	// Services.
	hub := alerts.NewHub(logger, cfg.CORSAllowedOrigins)
	alertSvc := alerts.NewService(alertRepo, hub, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Logs:                logsRepo,
		Flags:               referralRepo,
		Sender:              sender,
		Caller:              voiceClient,
		Syncer:              syncer,
		Metrics:             workflowMetrics,
		Logger:              logger,
		ClinicLocation:      cfg.ClinicLocation,
		AppointmentDuration: cfg.AppointmentDuration,
	})

	workflow := referrals.NewService(referrals.ServiceConfig{
		Store:            referralRepo,
		Alerts:           alertSvc,
		Dispatcher:       dispatcher,
		Logger:           logger,
		PendingThreshold: time.Duration(cfg.OverduePendingDays) * 24 * time.Hour,
	})

	tokens := auth.NewTokenIssuer(cfg.SessionJWTSecret, cfg.SessionTTL)
	requireSession := auth.Middleware(tokens, logger)

	// Handlers.
	whCfg := handlers.VoiceWebhookConfig{
		Verifier:  voiceClient,
		Processed: processedStore,
		Calls:     logsRepo,
		Workflow:  workflow,
		Alerts:    alertSvc,
		Metrics:   workflowMetrics,
		Logger:    logger,
	}
	// Assigning a nil *ReplayCache would defeat the handler's nil check.
	if replays != nil {
		whCfg.Replays = replays
	}
	voiceWebhooks := handlers.NewVoiceWebhookHandler(whCfg)

	r := router.New(&router.Config{
		Logger:             logger,
		AuthHandler:        auth.NewHandler(accountRepo, tokens, logger),
		AuthMiddleware:     requireSession,
		ReferralsHandler:   referrals.NewHandler(workflow, logger),
		AlertsHandler:      alerts.NewHandler(alertSvc, hub, logger),
		CommsHandler:       handlers.NewCommsHandler(logsRepo, dispatcher, referralRepo, logger),
		VoiceWebhooks:      voiceWebhooks,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookRateLimit:   cfg.WebhookRateLimit,
		WebhookRateBurst:   cfg.WebhookRateBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Let in-flight side effects (emails, calls, calendar syncs) finish.
	dispatcher.Wait()

	logger.Info("server stopped")
}
