// Package calendar syncs booked referral slots to the clinic's Google
// Calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Syncer pushes a referral's booked slot to a calendar. Implementations
// must return the vendor event id so reschedules can update in place.
type Syncer interface {
	Sync(ctx context.Context, ref *referrals.Referral) (eventID string, err error)
	Cancel(ctx context.Context, eventID string) error
}

// GoogleSyncer talks to the Google Calendar API with service-account
// credentials.
type GoogleSyncer struct {
	svc        *gcal.Service
	calendarID string
	location   string
	duration   time.Duration
	logger     *logging.Logger
}

type Config struct {
	CredentialsJSON []byte
	CalendarID      string
	Location        string
	Duration        time.Duration
	Logger          *logging.Logger
}

func NewGoogleSyncer(ctx context.Context, cfg Config) (*GoogleSyncer, error) {
	if len(cfg.CredentialsJSON) == 0 {
		return nil, errors.New("calendar: credentials required")
	}
	svc, err := gcal.NewService(ctx, option.WithCredentialsJSON(cfg.CredentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("calendar: init service: %w", err)
	}
	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = time.Hour
	}
	return &GoogleSyncer{
		svc:        svc,
		calendarID: calendarID,
		location:   cfg.Location,
		duration:   duration,
		logger:     cfg.Logger,
	}, nil
}

// Sync creates or updates the calendar event for a booked slot. The
// referral's stored event id decides between insert and update.
func (g *GoogleSyncer) Sync(ctx context.Context, ref *referrals.Referral) (string, error) {
	if ref.ScheduledDate == nil {
		return "", errors.New("calendar: referral has no scheduled date")
	}
	event := &gcal.Event{
		Summary:     fmt.Sprintf("%s referral: %s", ref.SpecialistType, ref.PatientName),
		Description: fmt.Sprintf("Referral %s (%s urgency)", ref.ID, ref.Urgency),
		Location:    g.location,
		Start:       &gcal.EventDateTime{DateTime: ref.ScheduledDate.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ref.ScheduledDate.Add(g.duration).Format(time.RFC3339)},
	}

	if ref.CalendarEventID != "" {
		updated, err := g.svc.Events.Update(g.calendarID, ref.CalendarEventID, event).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("calendar: update event: %w", err)
		}
		g.logger.Info("calendar event updated", "event_id", updated.Id, "referral_id", ref.ID)
		return updated.Id, nil
	}

	created, err := g.svc.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: insert event: %w", err)
	}
	g.logger.Info("calendar event created", "event_id", created.Id, "referral_id", ref.ID)
	return created.Id, nil
}

func (g *GoogleSyncer) Cancel(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if err := g.svc.Events.Delete(g.calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: delete event: %w", err)
	}
	return nil
}

// StubSyncer fabricates event ids when no Google credentials are
// configured. Used in development and tests.
type StubSyncer struct {
	logger *logging.Logger
	Synced []string
}

func NewStubSyncer(logger *logging.Logger) *StubSyncer {
	return &StubSyncer{logger: logger}
}

func (s *StubSyncer) Sync(_ context.Context, ref *referrals.Referral) (string, error) {
	eventID := ref.CalendarEventID
	if eventID == "" {
		eventID = "stub-" + ref.ID.String()
	}
	s.Synced = append(s.Synced, eventID)
	if s.logger != nil {
		s.logger.Info("calendar sync suppressed (stub syncer)", "referral_id", ref.ID)
	}
	return eventID, nil
}

func (s *StubSyncer) Cancel(_ context.Context, _ string) error { return nil }
