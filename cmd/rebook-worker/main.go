// The rebook worker moves standard-risk MISSED referrals to NEEDS_REBOOK
// once the rebooking window has lapsed without a new appointment. It scans
// the database on a poll interval, so a worker restart loses nothing.
package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/northbridge-health/referral-platform/internal/alerts"
	appconfig "github.com/northbridge-health/referral-platform/internal/config"
	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

const scanBatchSize = 100

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, ref referrals.Referral, t referrals.Transition, effects []referrals.SideEffect) {
}

type noopPublisher struct{}

func (noopPublisher) Publish(a alerts.Alert) {}

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting rebook worker",
		"poll_interval", cfg.WorkerPollInterval,
		"rebook_delay", cfg.RebookCheckDelay,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
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

	repo := referrals.NewRepository(db)

	// The worker writes alerts to the shared table; the API's websocket
	// hub picks them up when nurses next load the dashboard.
	alertSvc := alerts.NewService(alerts.NewRepository(db), noopPublisher{}, logger)

	// NEEDS_REBOOK carries no vendor side effects, so the worker wires a
	// no-op dispatcher rather than vendor clients.
	workflow := referrals.NewService(referrals.ServiceConfig{
		Store:            repo,
		Alerts:           alertSvc,
		Dispatcher:       noopDispatcher{},
		Logger:           logger,
		PendingThreshold: time.Duration(cfg.OverduePendingDays) * 24 * time.Hour,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.WorkerPollInterval)
	defer ticker.Stop()

	sweep(ctx, repo, workflow, cfg.RebookCheckDelay, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("rebook worker stopped")
			return
		case <-ticker.C:
			sweep(ctx, repo, workflow, cfg.RebookCheckDelay, logger)
		}
	}
}

func sweep(ctx context.Context, repo *referrals.Repository, workflow *referrals.Service, delay time.Duration, logger *logging.Logger) {
	cutoff := time.Now().UTC().Add(-delay)
	due, err := repo.ListMissedSince(ctx, cutoff, scanBatchSize)
	if err != nil {
		logger.Error("rebook scan failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logger.Info("rebook sweep", "due", len(due), "cutoff", cutoff)

	for _, ref := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := workflow.RebookTimeout(ctx, ref.ID); err != nil {
			// A nurse may have moved the referral between the scan and
			// this call; that is not a worker failure.
			var ite *referrals.InvalidTransitionError
			if errors.As(err, &ite) || errors.Is(err, referrals.ErrConcurrentModification) {
				logger.Info("referral moved before rebook timeout", "referral_id", ref.ID)
				continue
			}
			logger.Error("rebook timeout failed", "error", err, "referral_id", ref.ID)
		}
	}
}
