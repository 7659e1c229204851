// Package handlers holds HTTP handlers that cut across domain packages:
// vendor webhooks and communication-log surfaces.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/northbridge-health/referral-platform/internal/dispatch"
	"github.com/northbridge-health/referral-platform/internal/observability/metrics"
	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/internal/voice"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

var tracer = otel.Tracer("referralplatform.internal.http.handlers")

const (
	voiceProvider    = "voice"
	timestampHeader  = "X-Webhook-Timestamp"
	signatureHeader  = "X-Webhook-Signature"
	maxWebhookBody   = 1 << 20
	rescheduleReason = "rescheduled during rebooking call"
)

// signatureVerifier checks vendor webhook authenticity. *voice.Client
// satisfies it.
type signatureVerifier interface {
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

// replayCache is the fast dedupe path. Nil-able: a missing Redis falls
// through to the durable store. Record runs only after the event was fully
// applied so the vendor's retry of a failed delivery is not mistaken for a
// replay.
type replayCache interface {
	Contains(ctx context.Context, provider, eventID string) (bool, error)
	Record(ctx context.Context, provider, eventID string) error
}

// processedStore is the durable dedupe path. A claim taken before apply is
// released again when apply fails, keeping the event redeliverable.
type processedStore interface {
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// callLogStore applies webhook outcomes to call rows.
type callLogStore interface {
	FindCallByVendorID(ctx context.Context, vendorCallID string) (*dispatch.CallLog, error)
	UpdateCallByVendorID(ctx context.Context, vendorCallID string, u dispatch.CallOutcomeUpdate) error
}

// referralWorkflow is the slice of the orchestrator the webhook needs.
type referralWorkflow interface {
	Get(ctx context.Context, id uuid.UUID) (*referrals.Referral, error)
	Reschedule(ctx context.Context, id uuid.UUID, newDateTime time.Time, reason string, actor uuid.UUID) (*referrals.Referral, error)
}

type alertBroadcaster interface {
	Broadcast(ctx context.Context, referralID uuid.UUID, alertType, priority, message string) error
}

// VoiceWebhookHandler ingests call-outcome webhooks from the voice vendor.
type VoiceWebhookHandler struct {
	verifier  signatureVerifier
	replays   replayCache
	processed processedStore
	calls     callLogStore
	workflow  referralWorkflow
	alerts    alertBroadcaster
	metrics   *metrics.WorkflowMetrics
	logger    *logging.Logger
}

type VoiceWebhookConfig struct {
	Verifier  signatureVerifier
	Replays   replayCache
	Processed processedStore
	Calls     callLogStore
	Workflow  referralWorkflow
	Alerts    alertBroadcaster
	Metrics   *metrics.WorkflowMetrics
	Logger    *logging.Logger
}

func NewVoiceWebhookHandler(cfg VoiceWebhookConfig) *VoiceWebhookHandler {
	return &VoiceWebhookHandler{
		verifier:  cfg.Verifier,
		replays:   cfg.Replays,
		processed: cfg.Processed,
		calls:     cfg.Calls,
		workflow:  cfg.Workflow,
		alerts:    cfg.Alerts,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Routes mounts the webhook endpoints.
func (h *VoiceWebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Ping)
	r.Post("/", h.HandleCallOutcome)
	return r
}

// Ping answers the vendor's endpoint verification probe.
func (h *VoiceWebhookHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type callOutcomePayload struct {
	CallID             string     `json:"call_id"`
	Status             string     `json:"status"`
	Outcome            string     `json:"outcome,omitempty"`
	NewAppointmentTime *time.Time `json:"new_appointment_time,omitempty"`
	Transcript         string     `json:"transcript,omitempty"`
	DurationSeconds    int        `json:"duration_seconds,omitempty"`
	Metadata           struct {
		ReferralID string `json:"referral_id"`
	} `json:"metadata"`
}

// HandleCallOutcome processes POST /webhooks/voice. Duplicate deliveries
// are acknowledged with 200 and dropped; a bad signature is the only 401.
func (h *VoiceWebhookHandler) HandleCallOutcome(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhooks.voice")
	defer span.End()
	start := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveWebhookLatency(voiceProvider, time.Since(start).Seconds())
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.VerifyWebhookSignature(
		r.Header.Get(timestampHeader), r.Header.Get(signatureHeader), body); err != nil {
		h.logger.Warn("rejected voice webhook", "error", err, "remote_ip", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload callOutcomePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.CallID == "" || payload.Status == "" {
		http.Error(w, "call_id and status are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("call_id", payload.CallID),
		attribute.String("status", payload.Status),
	)

	// Each (call, status) delivery is one logical event: the vendor may
	// legitimately send IN_PROGRESS and then COMPLETED for the same call.
	eventID := payload.CallID + ":" + payload.Status
	if h.replays != nil {
		seen, err := h.replays.Contains(ctx, voiceProvider, eventID)
		if err != nil {
			h.logger.Warn("replay cache unavailable", "error", err)
		} else if seen {
			h.acknowledge(w, "duplicate")
			return
		}
	}
	claimed, err := h.processed.MarkProcessed(ctx, voiceProvider, eventID)
	if err != nil {
		h.logger.Error("processed-events write failed", "error", err, "event_id", eventID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !claimed {
		h.acknowledge(w, "duplicate")
		return
	}

	if err := h.apply(ctx, &payload); err != nil {
		// Give the claim back: the vendor retries on 500 and the retry
		// must not be swallowed as a duplicate.
		if relErr := h.processed.Release(ctx, voiceProvider, eventID); relErr != nil {
			h.logger.Error("claim release failed", "error", relErr, "event_id", eventID)
		}
		h.logger.Error("voice webhook processing failed", "error", err, "call_id", payload.CallID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.replays != nil {
		if err := h.replays.Record(ctx, voiceProvider, eventID); err != nil {
			h.logger.Warn("replay cache record failed", "error", err)
		}
	}
	h.acknowledge(w, "processed")
}

func (h *VoiceWebhookHandler) apply(ctx context.Context, p *callOutcomePayload) error {
	if err := h.calls.UpdateCallByVendorID(ctx, p.CallID, dispatch.CallOutcomeUpdate{
		Status:          p.Status,
		Outcome:         p.Outcome,
		Transcript:      p.Transcript,
		DurationSeconds: p.DurationSeconds,
	}); err != nil && !errors.Is(err, dispatch.ErrLogNotFound) {
		return err
	}

	referralID, err := h.resolveReferral(ctx, p)
	if err != nil {
		// A call we never initiated; the log update above already failed
		// softly, so just acknowledge.
		h.logger.Warn("voice webhook for unknown call", "call_id", p.CallID)
		return nil
	}

	ref, err := h.workflow.Get(ctx, referralID)
	if err != nil {
		return err
	}

	switch {
	case p.Outcome == voice.OutcomeRescheduled && p.NewAppointmentTime != nil:
		_, err := h.workflow.Reschedule(ctx, referralID, *p.NewAppointmentTime, rescheduleReason, uuid.Nil)
		var ite *referrals.InvalidTransitionError
		if errors.As(err, &ite) {
			// The nurse moved the referral first; record the mismatch
			// instead of failing the webhook.
			return h.alerts.Broadcast(ctx, referralID, "FOLLOW_UP_REQUIRED",
				referrals.FollowUpPriority(ref.IsHighRisk),
				fmt.Sprintf("Patient %s agreed to reschedule by phone but the referral is already %s",
					ref.PatientName, ref.Status))
		}
		return err

	case p.Outcome != "":
		return h.alerts.Broadcast(ctx, referralID, "FOLLOW_UP_REQUIRED",
			referrals.FollowUpPriority(ref.IsHighRisk),
			fmt.Sprintf("Rebooking call for %s ended with outcome %s", ref.PatientName, p.Outcome))

	case p.Status == voice.CallStatusFailed || p.Status == voice.CallStatusNoAnswer:
		return h.alerts.Broadcast(ctx, referralID, "CALL_FAILED",
			referrals.FollowUpPriority(ref.IsHighRisk),
			fmt.Sprintf("Rebooking call for %s did not connect (%s)", ref.PatientName, p.Status))
	}
	return nil
}

func (h *VoiceWebhookHandler) resolveReferral(ctx context.Context, p *callOutcomePayload) (uuid.UUID, error) {
	if p.Metadata.ReferralID != "" {
		if id, err := uuid.Parse(p.Metadata.ReferralID); err == nil {
			return id, nil
		}
	}
	log, err := h.calls.FindCallByVendorID(ctx, p.CallID)
	if err != nil {
		return uuid.Nil, err
	}
	return log.ReferralID, nil
}

func (h *VoiceWebhookHandler) acknowledge(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "result": result})
}
