package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// store is the persistence surface the service needs.
type store interface {
	Create(ctx context.Context, a *Alert) error
	ListOpen(ctx context.Context, userID uuid.UUID, limit int) ([]Alert, error)
	ListForReferral(ctx context.Context, referralID uuid.UUID) ([]Alert, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	Dismiss(ctx context.Context, id uuid.UUID) error
}

// publisher pushes freshly created alerts to live dashboard clients.
type publisher interface {
	Publish(a Alert)
}

// Service creates alerts and fans them out. It satisfies the workflow's
// AlertBroadcaster interface.
type Service struct {
	repo   store
	hub    publisher
	logger *logging.Logger
}

func NewService(repo store, hub publisher, logger *logging.Logger) *Service {
	return &Service{repo: repo, hub: hub, logger: logger}
}

// Broadcast creates an alert visible to every nurse. The DB write is the
// source of truth; the websocket push is best-effort on top.
func (s *Service) Broadcast(ctx context.Context, referralID uuid.UUID, alertType, priority, message string) error {
	return s.raise(ctx, referralID, nil, alertType, priority, message)
}

// Notify creates an alert targeted at a single nurse.
func (s *Service) Notify(ctx context.Context, referralID, userID uuid.UUID, alertType, priority, message string) error {
	return s.raise(ctx, referralID, &userID, alertType, priority, message)
}

func (s *Service) raise(ctx context.Context, referralID uuid.UUID, userID *uuid.UUID, alertType, priority, message string) error {
	a := &Alert{
		ID:         uuid.New(),
		ReferralID: referralID,
		UserID:     userID,
		Type:       alertType,
		Priority:   priority,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Publish(*a)
	}
	s.logger.Info("alert raised", "alert_id", a.ID, "referral_id", referralID, "type", alertType, "priority", priority)
	return nil
}

func (s *Service) ListOpen(ctx context.Context, userID uuid.UUID, limit int) ([]Alert, error) {
	return s.repo.ListOpen(ctx, userID, limit)
}

func (s *Service) ListForReferral(ctx context.Context, referralID uuid.UUID) ([]Alert, error) {
	return s.repo.ListForReferral(ctx, referralID)
}

func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) error {
	return s.repo.MarkRead(ctx, id)
}

func (s *Service) Dismiss(ctx context.Context, id uuid.UUID) error {
	return s.repo.Dismiss(ctx, id)
}
