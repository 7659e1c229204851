package referrals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

var tracer = otel.Tracer("referralplatform.internal.referrals")

// Store is the persistence surface the service needs. *Repository satisfies
// it; tests inject an in-memory fake.
type Store interface {
	Create(ctx context.Context, ref *Referral) error
	Get(ctx context.Context, id uuid.UUID) (*Referral, error)
	Update(ctx context.Context, ref *Referral) error
	AppendHistory(ctx context.Context, e *StatusHistoryEntry) error
	History(ctx context.Context, referralID uuid.UUID) ([]StatusHistoryEntry, error)
	List(ctx context.Context, f ListFilter) ([]Referral, error)
	ListOverdue(ctx context.Context, now time.Time, pendingThreshold time.Duration) ([]Referral, error)
	DashboardStats(ctx context.Context, now time.Time, pendingThreshold time.Duration) (*DashboardStats, error)
}

// AlertBroadcaster raises nurse-facing alerts. A nil user target means the
// alert is visible to every nurse.
type AlertBroadcaster interface {
	Broadcast(ctx context.Context, referralID uuid.UUID, alertType, priority, message string) error
}

// EffectDispatcher runs side effects in the background. Implementations must
// absorb every vendor failure: Dispatch has no error return by contract.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, ref Referral, t Transition, effects []SideEffect)
}

// Service is the workflow orchestrator: one method per business action, each
// atomic with respect to the referral row, with side effects handed off to
// the dispatcher after commit.
type Service struct {
	store            Store
	alerts           AlertBroadcaster
	dispatcher       EffectDispatcher
	logger           *logging.Logger
	pendingThreshold time.Duration
	nowFunc          func() time.Time
}

// ServiceConfig wires the orchestrator's collaborators.
type ServiceConfig struct {
	Store            Store
	Alerts           AlertBroadcaster
	Dispatcher       EffectDispatcher
	Logger           *logging.Logger
	PendingThreshold time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		panic("referrals: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	threshold := cfg.PendingThreshold
	if threshold <= 0 {
		threshold = 14 * 24 * time.Hour
	}
	return &Service{
		store:            cfg.Store,
		alerts:           cfg.Alerts,
		dispatcher:       cfg.Dispatcher,
		logger:           logger,
		pendingThreshold: threshold,
		nowFunc:          time.Now,
	}
}

// WithClock overrides the service clock. Tests use this to control the
// time-gated transitions.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.nowFunc = now
	}
	return s
}

// Create validates and persists a new referral in PENDING, writes the first
// history entry, and enqueues the creation email when the patient has one.
func (s *Service) Create(ctx context.Context, req *CreateReferralRequest) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.create")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	ref := &Referral{
		ID:             uuid.New(),
		PatientName:    req.PatientName,
		PatientDOB:     req.PatientDOB,
		HealthCardNo:   req.HealthCardNo,
		PatientEmail:   req.PatientEmail,
		PatientPhone:   req.PatientPhone,
		Condition:      req.Condition,
		SpecialistType: SpecialistType(req.SpecialistType),
		Urgency:        Urgency(req.Urgency),
		IsHighRisk:     req.IsHighRisk,
		Status:         StatusPending,
		ReferralDate:   now,
		Notes:          req.Notes,
		CreatedBy:      req.CreatedBy,
		UpdatedBy:      req.CreatedBy,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, ref); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, ref, req.CreatedBy, "Referral created"); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("referral_id", ref.ID.String()))

	created := Transition{From: "", To: StatusPending}
	s.dispatch(ctx, ref, created, Evaluate(created, ref))

	s.logger.Info("referral created",
		"referral_id", ref.ID,
		"specialist_type", ref.SpecialistType,
		"urgency", ref.Urgency,
		"high_risk", ref.IsHighRisk,
	)
	return ref, nil
}

// Schedule books a slot for a PENDING (or lapsed) referral.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, scheduledDate time.Time, notes string, actor uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.schedule")
	defer span.End()

	if scheduledDate.IsZero() {
		return nil, &ValidationError{Field: "scheduled_date", Reason: "required"}
	}

	ref, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := Decide(ref, ActionSchedule, s.nowFunc())
	if err != nil {
		return nil, err
	}

	sd := scheduledDate.UTC()
	ref.ScheduledDate = &sd
	ref.Status = t.To
	ref.UpdatedBy = actor
	if notes != "" {
		ref.Notes = appendNote(ref.Notes, "Scheduled: "+notes)
	}
	if err := s.store.Update(ctx, ref); err != nil {
		return nil, err
	}
	note := fmt.Sprintf("Scheduled for %s", sd.Format(time.RFC3339))
	if err := s.appendHistory(ctx, ref, actor, note); err != nil {
		return nil, err
	}

	s.dispatch(ctx, ref, t, Evaluate(t, ref))
	s.logger.Info("referral scheduled", "referral_id", ref.ID, "scheduled_date", sd, "from", t.From)
	return ref, nil
}

// Reschedule replaces the booked slot. A lapsed referral (MISSED,
// NEEDS_REBOOK, ESCALATED) is forced back to SCHEDULED; an escalation is
// cleared by the rebooking.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newDateTime time.Time, reason string, actor uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.reschedule")
	defer span.End()

	if newDateTime.IsZero() {
		return nil, &ValidationError{Field: "new_datetime", Reason: "required"}
	}

	ref, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := Decide(ref, ActionReschedule, s.nowFunc())
	if err != nil {
		return nil, err
	}

	oldTime := "unset"
	if ref.ScheduledDate != nil {
		oldTime = ref.ScheduledDate.Format(time.RFC3339)
	}
	nd := newDateTime.UTC()
	ref.ScheduledDate = &nd
	ref.Status = t.To
	ref.UpdatedBy = actor
	if err := s.store.Update(ctx, ref); err != nil {
		return nil, err
	}

	note := fmt.Sprintf("Rescheduled from %s to %s", oldTime, nd.Format(time.RFC3339))
	if reason != "" {
		note += ": " + reason
	}
	if err := s.appendHistory(ctx, ref, actor, note); err != nil {
		return nil, err
	}

	s.dispatch(ctx, ref, t, Evaluate(t, ref))
	s.logger.Info("referral rescheduled", "referral_id", ref.ID, "new_date", nd, "from", t.From)
	return ref, nil
}

// MarkMissed records a no-show. High-risk referrals escalate in the same
// operation; everyone else is picked up later by the rebook worker.
func (s *Service) MarkMissed(ctx context.Context, id uuid.UUID, actor uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.mark_missed")
	defer span.End()

	ref, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := Decide(ref, ActionMarkMissed, s.nowFunc())
	if err != nil {
		return nil, err
	}

	ref.Status = t.To
	ref.UpdatedBy = actor
	if err := s.store.Update(ctx, ref); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, ref, actor, "Appointment missed"); err != nil {
		return nil, err
	}

	effects := Evaluate(t, ref)
	remaining := effects[:0]
	for _, eff := range effects {
		if eff.Kind != EffectAutoEscalate {
			remaining = append(remaining, eff)
			continue
		}
		if err := s.escalate(ctx, ref, actor); err != nil {
			return nil, err
		}
	}

	s.dispatch(ctx, ref, t, remaining)
	s.logger.Info("referral marked missed", "referral_id", ref.ID, "high_risk", ref.IsHighRisk, "status", ref.Status)
	return ref, nil
}

// escalate commits MISSED -> ESCALATED and raises the broadcast alert. The
// alert write is local and part of the primary operation, not best-effort.
func (s *Service) escalate(ctx context.Context, ref *Referral, actor uuid.UUID) error {
	t, err := Decide(ref, ActionEscalate, s.nowFunc())
	if err != nil {
		return err
	}
	ref.Status = t.To
	ref.UpdatedBy = actor
	if err := s.store.Update(ctx, ref); err != nil {
		return err
	}
	if err := s.appendHistory(ctx, ref, actor, "Automatically escalated: high-risk patient missed appointment"); err != nil {
		return err
	}
	if s.alerts != nil {
		msg := fmt.Sprintf("High-risk patient %s missed their %s appointment and requires immediate follow-up",
			ref.PatientName, ref.SpecialistType)
		if err := s.alerts.Broadcast(ctx, ref.ID, "HIGH_RISK_ESCALATION", "urgent", msg); err != nil {
			return fmt.Errorf("referrals: escalation alert: %w", err)
		}
	}
	s.logger.Warn("referral escalated", "referral_id", ref.ID, "patient", ref.PatientName)
	return nil
}

// MarkAttended records that the patient showed up. Requires the slot to have
// passed; history is the only side effect.
func (s *Service) MarkAttended(ctx context.Context, id uuid.UUID, actor uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.mark_attended")
	defer span.End()
	return s.simpleTransition(ctx, id, ActionMarkAttended, actor, "Appointment attended")
}

// Complete finalizes an attended referral and stamps the completion date.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.complete")
	defer span.End()

	ref, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := Decide(ref, ActionComplete, s.nowFunc())
	if err != nil {
		return nil, err
	}
	now := s.nowFunc().UTC()
	ref.Status = t.To
	ref.CompletedDate = &now
	ref.UpdatedBy = actor
	if err := s.store.Update(ctx, ref); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, ref, actor, "Referral completed"); err != nil {
		return nil, err
	}
	s.logger.Info("referral completed", "referral_id", ref.ID)
	return ref, nil
}

// Cancel is legal from any non-terminal status and is irreversible.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.cancel")
	defer span.End()
	return s.simpleTransition(ctx, id, ActionCancel, actor, "Referral cancelled")
}

// RebookTimeout moves a still-MISSED, non-high-risk referral to NEEDS_REBOOK
// after the policy delay. Invoked by the rebook worker, never by the API.
func (s *Service) RebookTimeout(ctx context.Context, id uuid.UUID) (*Referral, error) {
	ctx, span := tracer.Start(ctx, "referrals.rebook_timeout")
	defer span.End()

	ref, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := Decide(ref, ActionRebookTimeout, s.nowFunc())
	if err != nil {
		return nil, err
	}
	ref.Status = t.To
	if err := s.store.Update(ctx, ref); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, ref, ref.UpdatedBy, "No rebooking after missed appointment; flagged for rebooking"); err != nil {
		return nil, err
	}
	if s.alerts != nil {
		msg := fmt.Sprintf("Patient %s still has no rebooked %s appointment", ref.PatientName, ref.SpecialistType)
		if err := s.alerts.Broadcast(ctx, ref.ID, "REBOOK_REQUIRED", "medium", msg); err != nil {
			s.logger.Error("rebook alert failed", "error", err, "referral_id", ref.ID)
		}
	}
	s.logger.Info("referral flagged for rebooking", "referral_id", ref.ID)
	return ref, nil
}

func (s *Service) simpleTransition(ctx context.Context, id uuid.UUID, action Action, actor uuid.UUID, note string) (*Referral, error) {
	ref, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := Decide(ref, action, s.nowFunc())
	if err != nil {
		return nil, err
	}
	ref.Status = t.To
	ref.UpdatedBy = actor
	if err := s.store.Update(ctx, ref); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, ref, actor, note); err != nil {
		return nil, err
	}
	s.logger.Info("referral transition", "referral_id", ref.ID, "action", action, "status", ref.Status)
	return ref, nil
}

// Get returns a single referral.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Referral, error) {
	return s.store.Get(ctx, id)
}

// List returns referrals matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Referral, error) {
	return s.store.List(ctx, f)
}

// History returns the append-only status trail for a referral.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]StatusHistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// Overdue lists referrals needing chasing, computed against the service
// clock.
func (s *Service) Overdue(ctx context.Context) ([]Referral, error) {
	return s.store.ListOverdue(ctx, s.nowFunc().UTC(), s.pendingThreshold)
}

// DashboardStats aggregates the nurse dashboard counters.
func (s *Service) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	return s.store.DashboardStats(ctx, s.nowFunc().UTC(), s.pendingThreshold)
}

func (s *Service) appendHistory(ctx context.Context, ref *Referral, actor uuid.UUID, note string) error {
	return s.store.AppendHistory(ctx, &StatusHistoryEntry{
		ReferralID: ref.ID,
		Status:     ref.Status,
		ChangedBy:  actor,
		ChangedAt:  s.nowFunc().UTC(),
		Note:       note,
	})
}

func (s *Service) dispatch(ctx context.Context, ref *Referral, t Transition, effects []SideEffect) {
	if s.dispatcher == nil || len(effects) == 0 {
		return
	}
	s.dispatcher.Dispatch(ctx, *ref, t, effects)
}

func appendNote(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n\n" + addition
}
