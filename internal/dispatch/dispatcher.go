package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/northbridge-health/referral-platform/internal/calendar"
	"github.com/northbridge-health/referral-platform/internal/notify"
	"github.com/northbridge-health/referral-platform/internal/observability/metrics"
	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/internal/voice"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

const effectTimeout = 30 * time.Second

// logStore is the slice of LogsRepository the dispatcher writes.
type logStore interface {
	CreateEmailLog(ctx context.Context, l *EmailLog) error
	MarkEmailOutcome(ctx context.Context, id uuid.UUID, status, errorMessage string, sentAt *time.Time) error
	CreateCallLog(ctx context.Context, l *CallLog) error
}

// caller places outbound voice calls. *voice.Client satisfies it.
type caller interface {
	Configured() bool
	Initiate(ctx context.Context, phone string, vars voice.DynamicVariables) (string, error)
}

// flagStore updates the referral's delivery-tracking columns.
// *referrals.Repository satisfies it.
type flagStore interface {
	MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCalendarEvent(ctx context.Context, id uuid.UUID, eventID string) error
}

// Dispatcher runs side effects on background goroutines. It satisfies the
// workflow's EffectDispatcher interface: Dispatch returns immediately and
// absorbs every vendor failure into log rows.
type Dispatcher struct {
	logs     logStore
	flags    flagStore
	sender   notify.EmailSender
	caller   caller
	syncer   calendar.Syncer
	metrics  *metrics.WorkflowMetrics
	logger   *logging.Logger
	location string
	duration time.Duration

	wg sync.WaitGroup
}

type DispatcherConfig struct {
	Logs    logStore
	Flags   flagStore
	Sender  notify.EmailSender
	Caller  caller
	Syncer  calendar.Syncer
	Metrics *metrics.WorkflowMetrics
	Logger  *logging.Logger

	// ClinicLocation and AppointmentDuration feed email bodies and the
	// iCal attachment.
	ClinicLocation      string
	AppointmentDuration time.Duration
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	duration := cfg.AppointmentDuration
	if duration <= 0 {
		duration = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		logs:     cfg.Logs,
		flags:    cfg.Flags,
		sender:   cfg.Sender,
		caller:   cfg.Caller,
		syncer:   cfg.Syncer,
		metrics:  cfg.Metrics,
		logger:   logger,
		location: cfg.ClinicLocation,
		duration: duration,
	}
}

// Dispatch fans the effects out to background goroutines and returns. The
// request context is deliberately not inherited: an HTTP response finishing
// must not cancel in-flight vendor work.
func (d *Dispatcher) Dispatch(_ context.Context, ref referrals.Referral, t referrals.Transition, effects []referrals.SideEffect) {
	if d.metrics != nil && t.Action != "" {
		d.metrics.ObserveTransition(string(t.Action), string(t.To))
	}
	for _, eff := range effects {
		eff := eff
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
			defer cancel()
			d.run(ctx, ref, t, eff)
		}()
	}
}

// Wait blocks until all in-flight effects have finished. Used on shutdown
// and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, ref referrals.Referral, t referrals.Transition, eff referrals.SideEffect) {
	switch eff.Kind {
	case referrals.EffectSendCreatedEmail:
		d.sendEmail(ctx, ref, notify.TemplateReferralCreated, notify.RenderInput{Referral: &ref})
	case referrals.EffectSendConfirmationEmail:
		d.sendEmail(ctx, ref, notify.TemplateAppointmentConfirmed,
			notify.RenderInput{Referral: &ref, Location: d.location})
	case referrals.EffectSendRescheduleEmail:
		d.sendEmail(ctx, ref, notify.TemplateAppointmentRescheduled,
			notify.RenderInput{Referral: &ref, Location: d.location})
	case referrals.EffectPlaceRebookCall:
		d.placeRebookCall(ctx, ref)
	case referrals.EffectSyncCalendar:
		d.syncCalendar(ctx, ref)
	case referrals.EffectScheduleRebookCheck:
		// Durable: the rebook worker rediscovers due rows from the MISSED
		// status, so there is nothing to arm here.
		d.observe(eff.Kind, "noop")
	default:
		d.logger.Warn("unknown side effect", "kind", eff.Kind, "referral_id", ref.ID)
	}
}

// sendEmail is the fire-and-forget wrapper around SendEmail: it absorbs the
// error (the log row already records it) and feeds the dispatch counters.
func (d *Dispatcher) sendEmail(ctx context.Context, ref referrals.Referral, template string, in notify.RenderInput) {
	kind := effectKindForTemplate(template)
	log, err := d.SendEmail(ctx, ref, template, in)
	switch {
	case err != nil:
		d.observe(kind, "failed")
	case log.Status == LogStatusFailed:
		d.observe(kind, "skipped")
	default:
		d.observe(kind, "sent")
	}
}

// SendEmail renders a template, writes a PENDING log row, attempts delivery,
// and finalizes the row as SENT or FAILED. Patients without an email
// address get a FAILED row immediately so the gap is visible on the
// dashboard. The returned log reflects the final state; err is non-nil only
// for render and vendor failures.
func (d *Dispatcher) SendEmail(ctx context.Context, ref referrals.Referral, template string, in notify.RenderInput) (*EmailLog, error) {
	if in.Referral == nil {
		in.Referral = &ref
	}
	if in.Location == "" {
		in.Location = d.location
	}
	msg, err := notify.Render(template, in)
	if err != nil {
		d.logger.Error("email render failed", "error", err, "referral_id", ref.ID, "template", template)
		return nil, err
	}

	log := &EmailLog{
		ReferralID: ref.ID,
		Template:   template,
		Recipient:  msg.To,
		Subject:    msg.Subject,
		Status:     LogStatusPending,
	}
	if err := d.logs.CreateEmailLog(ctx, log); err != nil {
		d.logger.Error("email log write failed", "error", err, "referral_id", ref.ID)
		return nil, err
	}

	if msg.To == "" {
		log.Status = LogStatusFailed
		log.ErrorMessage = "patient has no email address"
		d.finalizeEmail(ctx, log.ID, log.Status, log.ErrorMessage, nil)
		return log, nil
	}

	// Reschedules reuse the referral id as the invite UID so calendar
	// clients replace the earlier event.
	d.attachInvite(template, ref, msg)

	if err := d.sender.Send(ctx, msg); err != nil {
		d.logger.Error("email send failed", "error", err, "referral_id", ref.ID, "template", template)
		log.Status = LogStatusFailed
		log.ErrorMessage = err.Error()
		d.finalizeEmail(ctx, log.ID, log.Status, log.ErrorMessage, nil)
		return log, err
	}

	now := time.Now().UTC()
	log.Status = LogStatusSent
	log.SentAt = &now
	d.finalizeEmail(ctx, log.ID, log.Status, "", &now)
	if err := d.flags.MarkEmailSent(ctx, ref.ID, now); err != nil {
		d.logger.Error("email flag update failed", "error", err, "referral_id", ref.ID)
	}
	return log, nil
}

func (d *Dispatcher) attachInvite(template string, ref referrals.Referral, msg *notify.Email) bool {
	if ref.ScheduledDate == nil {
		return false
	}
	if template != notify.TemplateAppointmentConfirmed && template != notify.TemplateAppointmentRescheduled {
		return false
	}
	// SEQUENCE must increase on every reschedule of the same UID or
	// calendar clients ignore the update. The row version is bumped on each
	// committed change, so it serves as the counter.
	sequence := 0
	if template == notify.TemplateAppointmentRescheduled {
		sequence = ref.Version
	}
	msg.ICalEvent = notify.RenderICal(notify.ICalEvent{
		UID:      ref.ID,
		Summary:  msg.Subject,
		Location: d.location,
		Start:    *ref.ScheduledDate,
		Duration: d.duration,
		Sequence: sequence,
	}, time.Now().UTC())
	return true
}

func (d *Dispatcher) finalizeEmail(ctx context.Context, id uuid.UUID, status, errorMessage string, sentAt *time.Time) {
	if err := d.logs.MarkEmailOutcome(ctx, id, status, errorMessage, sentAt); err != nil {
		d.logger.Error("email log finalize failed", "error", err, "email_log_id", id)
	}
}

// placeRebookCall asks the voice vendor to call the patient about the
// missed appointment. Vendor and precondition failures become FAILED rows.
func (d *Dispatcher) placeRebookCall(ctx context.Context, ref referrals.Referral) {
	log := &CallLog{
		ReferralID: ref.ID,
		Phone:      ref.PatientPhone,
		CallType:   "rebooking",
		Status:     voice.CallStatusPending,
	}

	if ref.PatientPhone == "" {
		log.Status = voice.CallStatusFailed
		log.ErrorMessage = "patient has no phone number"
	} else if d.caller == nil || !d.caller.Configured() {
		log.Status = voice.CallStatusFailed
		log.ErrorMessage = "voice vendor not configured"
	}

	if log.Status == voice.CallStatusFailed {
		if err := d.logs.CreateCallLog(ctx, log); err != nil {
			d.logger.Error("call log write failed", "error", err, "referral_id", ref.ID)
		}
		d.observe(referrals.EffectPlaceRebookCall, "skipped")
		return
	}

	callID, err := d.caller.Initiate(ctx, ref.PatientPhone, voice.DynamicVariables{
		PatientName:    ref.PatientName,
		SpecialistType: string(ref.SpecialistType),
		ReferralID:     ref.ID.String(),
		CallType:       "rebooking",
	})
	if err != nil {
		d.logger.Error("rebook call failed", "error", err, "referral_id", ref.ID)
		log.Status = voice.CallStatusFailed
		log.ErrorMessage = err.Error()
	} else {
		log.VendorCallID = callID
		log.Status = voice.CallStatusInProgress
	}

	if err := d.logs.CreateCallLog(ctx, log); err != nil {
		d.logger.Error("call log write failed", "error", err, "referral_id", ref.ID)
	}
	if log.Status == voice.CallStatusFailed {
		d.observe(referrals.EffectPlaceRebookCall, "failed")
		return
	}
	d.observe(referrals.EffectPlaceRebookCall, "sent")
}

func (d *Dispatcher) syncCalendar(ctx context.Context, ref referrals.Referral) {
	if d.syncer == nil {
		d.observe(referrals.EffectSyncCalendar, "skipped")
		return
	}
	eventID, err := d.syncer.Sync(ctx, &ref)
	if err != nil {
		d.logger.Error("calendar sync failed", "error", err, "referral_id", ref.ID)
		d.observe(referrals.EffectSyncCalendar, "failed")
		return
	}
	if err := d.flags.SetCalendarEvent(ctx, ref.ID, eventID); err != nil {
		d.logger.Error("calendar flag update failed", "error", err, "referral_id", ref.ID)
	}
	d.observe(referrals.EffectSyncCalendar, "sent")
}

func (d *Dispatcher) observe(kind referrals.SideEffectKind, outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveDispatch(string(kind), outcome)
	}
}

func effectKindForTemplate(template string) referrals.SideEffectKind {
	switch template {
	case notify.TemplateAppointmentConfirmed:
		return referrals.EffectSendConfirmationEmail
	case notify.TemplateAppointmentRescheduled:
		return referrals.EffectSendRescheduleEmail
	default:
		return referrals.EffectSendCreatedEmail
	}
}
